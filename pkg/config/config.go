package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DERMASCAN_SERVER_PORT.
const EnvPrefix = "DERMASCAN"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Data     DataConfig     `mapstructure:"data"`
	Model    ModelConfig    `mapstructure:"model"`
	Image    ImageConfig    `mapstructure:"image"`
	Training TrainingConfig `mapstructure:"training"`
	P2P      P2PConfig      `mapstructure:"p2p"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Addr is the listen address of the API server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DataConfig struct {
	TrainDir    string `mapstructure:"train_dir"`
	TestDir     string `mapstructure:"test_dir"`
	NewDataDir  string `mapstructure:"new_data_dir"`
	CatalogPath string `mapstructure:"catalog_path"`
}

// Model backends.
const (
	BackendClassifier = "classifier"
	BackendONNX       = "onnx"
)

type ModelConfig struct {
	Backend       string `mapstructure:"backend"`
	BasePath      string `mapstructure:"base_path"`
	ONNXMetadata  string `mapstructure:"onnx_metadata"`
	ONNXLibrary   string `mapstructure:"onnx_library"`
	StoreDir      string `mapstructure:"store_dir"`
	RetrainedName string `mapstructure:"retrained_name"`
}

type ImageConfig struct {
	Size      int    `mapstructure:"size"`
	BatchSize int    `mapstructure:"batch_size"`
	Workers   int    `mapstructure:"workers"`
	Prefetch  int    `mapstructure:"prefetch"`
	Seed      uint64 `mapstructure:"seed"`
}

type TrainingConfig struct {
	Epochs       int     `mapstructure:"epochs"`
	LearningRate float64 `mapstructure:"learning_rate"`
}

type P2PConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ListenAddress  string   `mapstructure:"listen_address"`
	Port           int      `mapstructure:"port"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	MDNS           bool     `mapstructure:"mdns"`
}

type MirrorConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxUploadBytes: 256 << 20,
			AllowedOrigins: []string{"*"},
		},
		Data: DataConfig{
			TrainDir:    "data/train",
			TestDir:     "data/test",
			NewDataDir:  "data/new_data",
			CatalogPath: "data/catalog.yaml",
		},
		Model: ModelConfig{
			Backend:       BackendClassifier,
			BasePath:      "models/dermascan_model.json",
			StoreDir:      "./storage",
			RetrainedName: "dermascan_retrained",
		},
		Image: ImageConfig{
			Size:      256,
			BatchSize: 32,
			Workers:   4,
			Prefetch:  2,
			Seed:      42,
		},
		Training: TrainingConfig{
			Epochs:       5,
			LearningRate: 1e-4,
		},
		P2P: P2PConfig{
			ListenAddress: "0.0.0.0",
			Port:          4001,
			MDNS:          true,
		},
		Mirror: MirrorConfig{
			Endpoint:     "http://localhost:9000",
			Bucket:       "dermascan-models",
			Region:       "us-east-1",
			UsePathStyle: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads defaults, the optional YAML file at path and DERMASCAN_*
// environment overrides, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("data.train_dir", d.Data.TrainDir)
	v.SetDefault("data.test_dir", d.Data.TestDir)
	v.SetDefault("data.new_data_dir", d.Data.NewDataDir)
	v.SetDefault("data.catalog_path", d.Data.CatalogPath)

	v.SetDefault("model.backend", d.Model.Backend)
	v.SetDefault("model.base_path", d.Model.BasePath)
	v.SetDefault("model.onnx_metadata", d.Model.ONNXMetadata)
	v.SetDefault("model.onnx_library", d.Model.ONNXLibrary)
	v.SetDefault("model.store_dir", d.Model.StoreDir)
	v.SetDefault("model.retrained_name", d.Model.RetrainedName)

	v.SetDefault("image.size", d.Image.Size)
	v.SetDefault("image.batch_size", d.Image.BatchSize)
	v.SetDefault("image.workers", d.Image.Workers)
	v.SetDefault("image.prefetch", d.Image.Prefetch)
	v.SetDefault("image.seed", d.Image.Seed)

	v.SetDefault("training.epochs", d.Training.Epochs)
	v.SetDefault("training.learning_rate", d.Training.LearningRate)

	v.SetDefault("p2p.enabled", d.P2P.Enabled)
	v.SetDefault("p2p.listen_address", d.P2P.ListenAddress)
	v.SetDefault("p2p.port", d.P2P.Port)
	v.SetDefault("p2p.bootstrap_peers", d.P2P.BootstrapPeers)
	v.SetDefault("p2p.mdns", d.P2P.MDNS)

	v.SetDefault("mirror.enabled", d.Mirror.Enabled)
	v.SetDefault("mirror.endpoint", d.Mirror.Endpoint)
	v.SetDefault("mirror.bucket", d.Mirror.Bucket)
	v.SetDefault("mirror.region", d.Mirror.Region)
	v.SetDefault("mirror.prefix", d.Mirror.Prefix)
	v.SetDefault("mirror.access_key_id", d.Mirror.AccessKeyID)
	v.SetDefault("mirror.secret_access_key", d.Mirror.SecretAccessKey)
	v.SetDefault("mirror.use_path_style", d.Mirror.UsePathStyle)

	v.SetDefault("log.level", d.Log.Level)
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Image.Size <= 0 {
		errs = append(errs, errors.New("image.size must be positive"))
	}
	if c.Image.BatchSize <= 0 {
		errs = append(errs, errors.New("image.batch_size must be positive"))
	}
	if c.Image.Workers <= 0 {
		errs = append(errs, errors.New("image.workers must be positive"))
	}
	if c.Image.Prefetch < 0 {
		errs = append(errs, errors.New("image.prefetch must not be negative"))
	}
	if c.Training.Epochs <= 0 {
		errs = append(errs, errors.New("training.epochs must be positive"))
	}
	if c.Training.LearningRate <= 0 {
		errs = append(errs, errors.New("training.learning_rate must be positive"))
	}
	switch c.Model.Backend {
	case BackendClassifier:
	case BackendONNX:
		if c.Model.ONNXMetadata == "" {
			errs = append(errs, errors.New("model.onnx_metadata is required for the onnx backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.backend %q is not one of %s, %s", c.Model.Backend, BackendClassifier, BackendONNX))
	}
	if c.Data.NewDataDir == "" || c.Data.TrainDir == "" {
		errs = append(errs, errors.New("data.train_dir and data.new_data_dir are required"))
	}
	if c.P2P.Enabled && (c.P2P.Port < 0 || c.P2P.Port > 65535) {
		errs = append(errs, fmt.Errorf("p2p.port %d out of range", c.P2P.Port))
	}
	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		errs = append(errs, errors.New("mirror.bucket is required when the mirror is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
