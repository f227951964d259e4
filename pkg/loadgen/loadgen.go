// Package loadgen simulates users posting images to the predict endpoint.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

type Config struct {
	// BaseURL of the API, e.g. http://localhost:8000.
	BaseURL   string
	ImagesDir string
	Users     int
	Duration  time.Duration
	// Requests caps the total number of requests when positive.
	Requests int
	MinWait  time.Duration
	MaxWait  time.Duration
	Seed     uint64
}

// Report summarizes a run. Latencies are in seconds.
type Report struct {
	Requests int            `json:"requests"`
	Failures int            `json:"failures"`
	Mean     float64        `json:"mean"`
	P50      float64        `json:"p50"`
	P95      float64        `json:"p95"`
	Max      float64        `json:"max"`
	Classes  map[string]int `json:"classes"`
}

type Runner struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	images []string

	mu        sync.Mutex
	issued    int
	latencies []float64
	failures  int
	classes   map[string]int
}

func NewRunner(cfg Config, client *http.Client, logger *zap.Logger) (*Runner, error) {
	if cfg.Users <= 0 {
		cfg.Users = 1
	}
	if cfg.MinWait <= 0 && cfg.MaxWait <= 0 {
		cfg.MinWait, cfg.MaxWait = time.Second, 3*time.Second
	}
	if cfg.MaxWait < cfg.MinWait {
		return nil, fmt.Errorf("loadgen: max wait %s below min wait %s", cfg.MaxWait, cfg.MinWait)
	}
	if cfg.Duration <= 0 && cfg.Requests <= 0 {
		return nil, errors.New("loadgen: set a duration or a request count")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	entries, err := os.ReadDir(cfg.ImagesDir)
	if err != nil {
		return nil, err
	}
	var images []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			images = append(images, filepath.Join(cfg.ImagesDir, e.Name()))
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("loadgen: no images found in %s", cfg.ImagesDir)
	}
	sort.Strings(images)

	return &Runner{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		images:  images,
		classes: make(map[string]int),
	}, nil
}

// Run starts the configured number of users and blocks until the duration
// elapses, the request budget is spent or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	for u := 0; u < r.cfg.Users; u++ {
		rng := rand.New(rand.NewPCG(r.cfg.Seed, uint64(u)))
		g.Go(func() error {
			return r.user(ctx, rng)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return r.report(), nil
}

func (r *Runner) user(ctx context.Context, rng *rand.Rand) error {
	for {
		if !r.take() {
			return nil
		}
		img := r.images[rng.IntN(len(r.images))]
		start := time.Now()
		class, err := r.predict(ctx, img)
		if ctx.Err() != nil {
			return nil
		}
		r.record(time.Since(start), class, err)

		wait := r.cfg.MinWait
		if spread := r.cfg.MaxWait - r.cfg.MinWait; spread > 0 {
			wait += time.Duration(rng.Int64N(int64(spread)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Runner) take() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.Requests > 0 && r.issued >= r.cfg.Requests {
		return false
	}
	r.issued++
	return true
}

func (r *Runner) predict(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fw, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.cfg.BaseURL, "/")+"/predict", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("predict: status %d", resp.StatusCode)
	}
	var out struct {
		ClassName string `json:"class_name"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	return out.ClassName, nil
}

func (r *Runner) record(d time.Duration, class string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latencies = append(r.latencies, d.Seconds())
	if err != nil {
		r.failures++
		r.logger.Debug("Request failed", zap.Error(err))
		return
	}
	r.classes[class]++
}

func (r *Runner) report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{
		Requests: len(r.latencies),
		Failures: r.failures,
		Classes:  make(map[string]int, len(r.classes)),
	}
	for k, v := range r.classes {
		rep.Classes[k] = v
	}
	if len(r.latencies) == 0 {
		return rep
	}

	sorted := append([]float64(nil), r.latencies...)
	sort.Float64s(sorted)
	rep.Mean = stat.Mean(sorted, nil)
	rep.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	rep.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	rep.Max = sorted[len(sorted)-1]
	return rep
}
