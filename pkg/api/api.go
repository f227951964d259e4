package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/codec"
	"github.com/3FT-io/dermascan/pkg/config"
	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/inference"
	"github.com/3FT-io/dermascan/pkg/p2p"
	"github.com/3FT-io/dermascan/pkg/training"
	"github.com/3FT-io/dermascan/pkg/upload"
)

// KindBadRequest marks requests rejected before any processing.
const KindBadRequest = "bad_request"

// Deps are the components the API serves. Network may be nil.
type Deps struct {
	Service   *inference.Service
	Codec     *codec.Codec
	Sink      *upload.Sink
	Retrainer *training.Retrainer
	Storage   *core.Storage
	Catalog   *core.ClassCatalog
	Network   *p2p.Network
}

type API struct {
	deps    Deps
	cfg     config.ServerConfig
	metrics *Metrics
	logger  *zap.Logger
	router  *mux.Router
	server  *http.Server
	started time.Time
}

// APIResponse is the envelope of the model management endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type HealthResponse struct {
	Status         string   `json:"status"`
	UptimeSeconds  float64  `json:"uptime_seconds"`
	NumClasses     int      `json:"num_classes"`
	Classes        []string `json:"classes"`
	ModelID        string   `json:"model_id,omitempty"`
	CatalogVersion int      `json:"catalog_version"`
	PendingUploads int      `json:"pending_uploads"`
}

type PredictResponse struct {
	ClassName  string  `json:"class_name"`
	Confidence float32 `json:"confidence"`
	ModelID    string  `json:"model_id,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type UploadResponse struct {
	Status     string `json:"status"`
	FilesSaved int    `json:"files_saved"`
	Error      string `json:"error,omitempty"`
}

type RetrainResponse struct {
	Status        string  `json:"status"`
	Epochs        int     `json:"epochs,omitempty"`
	FinalTrainAcc float64 `json:"final_train_acc"`
	FinalValAcc   float64 `json:"final_val_acc"`
	ModelID       string  `json:"model_id,omitempty"`
}

// RetrainStatusResponse reports a retrain that had nothing to train on.
type RetrainStatusResponse struct {
	Status string `json:"status"`
}

type RetrainErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

type RetrainAcceptedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// Upload statuses.
const (
	UploadSaved   = "saved"
	UploadPartial = "partial"
	UploadError   = "error"
)

func NewAPI(deps Deps, cfg config.ServerConfig, logger *zap.Logger) (*API, error) {
	if deps.Service == nil || deps.Codec == nil || deps.Sink == nil || deps.Retrainer == nil ||
		deps.Storage == nil || deps.Catalog == nil {
		return nil, errors.New("api: missing dependency")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = config.DefaultConfig().Server.MaxUploadBytes
	}

	api := &API{
		deps:    deps,
		cfg:     cfg,
		metrics: NewMetrics(deps.Service),
		logger:  logger,
		started: time.Now(),
	}

	router := mux.NewRouter()
	api.setupRoutes(router)
	api.router = router

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	api.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	deps.Retrainer.AddObserver(api.metrics)

	return api, nil
}

func (api *API) setupRoutes(router *mux.Router) {
	router.Use(api.instrument)

	router.HandleFunc("/", api.Root).Methods("GET")
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")

	// Inference and retraining
	router.HandleFunc("/predict", api.Predict).Methods("POST")
	router.HandleFunc("/upload-bulk", api.UploadBulk).Methods("POST")
	router.HandleFunc("/retrain", api.Retrain).Methods("POST")
	router.HandleFunc("/retrain/{id}", api.GetRetrainJob).Methods("GET")

	// Model management
	router.HandleFunc("/models", api.ListModels).Methods("GET")
	router.HandleFunc("/models/{id}", api.GetModel).Methods("GET")
	router.HandleFunc("/models/{id}", api.DeleteModel).Methods("DELETE")
	router.HandleFunc("/models/{id}/metadata", api.GetModelMetadata).Methods("GET")

	// Network status
	router.HandleFunc("/network/status", api.GetNetworkStatus).Methods("GET")
	router.HandleFunc("/network/peers", api.GetPeers).Methods("GET")

	// Storage status
	router.HandleFunc("/storage/status", api.GetStorageStatus).Methods("GET")

	router.Handle("/metrics", api.metrics.Handler()).Methods("GET")
}

// Handler returns the routed handler without CORS, for tests and embedding.
func (api *API) Handler() http.Handler {
	return api.router
}

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// Root reports that the service is up.
func (api *API) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "DermaScan API is running"})
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	catalog := api.deps.Catalog
	resp := HealthResponse{
		Status:         "ok",
		UptimeSeconds:  roundTenth(time.Since(api.started).Seconds()),
		NumClasses:     catalog.Len(),
		Classes:        catalog.Classes,
		CatalogVersion: catalog.Version,
	}
	if snap := api.deps.Service.Current(); snap != nil {
		resp.ModelID = snap.ModelID
	}
	pending, err := api.deps.Sink.Pending()
	if err != nil {
		api.logger.Warn("Failed to count pending uploads", zap.Error(err))
	}
	resp.PendingUploads = pending

	writeJSON(w, http.StatusOK, resp)
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// Predict classifies the uploaded image in the "file" form field. Failures are
// reported in the body with HTTP 200.
func (api *API) Predict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.cfg.MaxUploadBytes)

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusOK, ErrorResponse{Error: "no file provided", Kind: KindBadRequest})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusOK, ErrorResponse{Error: "failed to read upload", Kind: KindBadRequest})
		return
	}

	x, err := api.deps.Codec.DecodeAndNormalize(data)
	if err != nil {
		api.predictError(w, err)
		return
	}

	pred, err := api.deps.Service.Predict(r.Context(), x)
	if err != nil {
		api.predictError(w, err)
		return
	}

	api.metrics.predictions.WithLabelValues(pred.ClassName).Inc()
	writeJSON(w, http.StatusOK, PredictResponse{
		ClassName:  pred.ClassName,
		Confidence: pred.Confidence,
		ModelID:    pred.ModelID,
	})
}

func (api *API) predictError(w http.ResponseWriter, err error) {
	kind := core.ErrorKind(err)
	if errors.Is(err, inference.ErrNotReady) {
		kind = core.KindNotFound
	}
	api.logger.Warn("Prediction failed", zap.String("kind", kind), zap.Error(err))
	writeJSON(w, http.StatusOK, ErrorResponse{Error: publicMessage(err, kind), Kind: kind})
}

// publicMessage keeps internal failure details out of responses.
func publicMessage(err error, kind string) string {
	if kind == core.KindInternal {
		return "internal error"
	}
	return err.Error()
}

// UploadBulk stores every file in the repeated "files" form field for the next
// retrain, labeled by filename prefix.
func (api *API) UploadBulk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.cfg.MaxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusOK, UploadResponse{Status: UploadError, Error: "failed to parse form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSON(w, http.StatusOK, UploadResponse{Status: UploadError, Error: "no files provided"})
		return
	}

	assets := make([]upload.Asset, 0, len(headers))
	var openErrs []error
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			openErrs = append(openErrs, fmt.Errorf("%s: %w", h.Filename, err))
			continue
		}
		defer func(f multipart.File) { f.Close() }(f)
		assets = append(assets, upload.Asset{Filename: h.Filename, Content: f})
	}

	saved, err := api.deps.Sink.Store(r.Context(), assets)
	err = errors.Join(append(openErrs, err)...)
	api.metrics.uploads.Add(float64(saved))

	resp := UploadResponse{Status: UploadSaved, FilesSaved: saved}
	if err != nil {
		resp.Error = err.Error()
		resp.Status = UploadPartial
		if saved == 0 {
			resp.Status = UploadError
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Retrain runs a fine-tune on uploaded data. With ?async=true it returns a job
// id immediately; otherwise the response waits for the retrain to finish.
func (api *API) Retrain(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		job, err := api.deps.Retrainer.Submit(r.Context())
		if err != nil {
			api.retrainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, RetrainAcceptedResponse{Status: "accepted", JobID: job.ID})
		return
	}

	// Retraining outlasts the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		api.logger.Debug("Could not lift write deadline", zap.Error(err))
	}

	res, err := api.deps.Retrainer.Retrain(context.WithoutCancel(r.Context()))
	if err != nil {
		api.retrainError(w, err)
		return
	}

	if res.Status == training.StatusNoNewData {
		writeJSON(w, http.StatusOK, RetrainStatusResponse{Status: res.Status})
		return
	}
	writeJSON(w, http.StatusOK, RetrainResponse{
		Status:        res.Status,
		Epochs:        res.Epochs,
		FinalTrainAcc: res.FinalTrainAcc,
		FinalValAcc:   res.FinalValAcc,
		ModelID:       res.ModelID,
	})
}

func (api *API) retrainError(w http.ResponseWriter, err error) {
	kind := core.ErrorKind(err)
	if errors.Is(err, core.ErrRetrainInProgress) {
		// runs that did start are counted by the observer
		api.metrics.retrains.WithLabelValues(RetrainRejected).Inc()
	}
	api.logger.Error("Retrain failed", zap.String("kind", kind), zap.Error(err))
	writeJSON(w, http.StatusOK, RetrainErrorResponse{
		Status:  "error",
		Message: publicMessage(err, kind),
		Kind:    kind,
	})
}

// GetRetrainJob reports an asynchronous retrain.
func (api *API) GetRetrainJob(w http.ResponseWriter, r *http.Request) {
	job, ok := api.deps.Retrainer.Job(mux.Vars(r)["id"])
	if !ok {
		api.sendError(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// List models handler
func (api *API) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := api.deps.Storage.ListModels(r.Context())
	if err != nil {
		api.sendError(w, "Failed to list models", http.StatusInternalServerError)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    models,
	})
}

// Get model handler
func (api *API) GetModel(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]

	model, err := api.deps.Storage.GetModel(r.Context(), modelID)
	if err != nil {
		api.sendError(w, "Model not found", http.StatusNotFound)
		return
	}

	// Set appropriate headers for file download
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.json", model.Name))
	w.Header().Set("Content-Type", "application/json")

	if err := api.deps.Storage.StreamModel(r.Context(), modelID, w); err != nil {
		api.logger.Error("Failed to stream model", zap.String("model_id", modelID), zap.Error(err))
		return
	}
}

// Get model metadata handler
func (api *API) GetModelMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := api.deps.Storage.GetModel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.sendError(w, "Model not found", http.StatusNotFound)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    metadata,
	})
}

// Delete model handler
func (api *API) DeleteModel(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]

	if err := api.deps.Storage.DeleteModel(r.Context(), modelID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, core.ErrModelNotFound) {
			status = http.StatusNotFound
		}
		api.sendError(w, err.Error(), status)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Message: "Model deleted successfully",
	})
}

// Network status handler
func (api *API) GetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	network := api.deps.Network
	if network == nil {
		api.sendResponse(w, APIResponse{
			Success: true,
			Data:    map[string]interface{}{"enabled": false},
		})
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"enabled":    true,
			"peer_count": len(network.GetPeers()),
			"node_id":    network.GetHost().ID().String(),
			"addresses":  network.GetHost().Addrs(),
		},
	})
}

// Get peers handler
func (api *API) GetPeers(w http.ResponseWriter, r *http.Request) {
	network := api.deps.Network
	peerInfo := make([]map[string]interface{}, 0)
	if network != nil {
		for _, peer := range network.GetPeers() {
			peerInfo = append(peerInfo, map[string]interface{}{
				"id":        peer.String(),
				"addresses": network.GetHost().Peerstore().Addrs(peer),
			})
		}
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    peerInfo,
	})
}

// Storage status handler
func (api *API) GetStorageStatus(w http.ResponseWriter, r *http.Request) {
	status, err := api.deps.Storage.GetStatus(r.Context())
	if err != nil {
		api.sendError(w, "Failed to get storage status", http.StatusInternalServerError)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    status,
	})
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (api *API) sendResponse(w http.ResponseWriter, response APIResponse) {
	writeJSON(w, http.StatusOK, response)
}

func (api *API) sendError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   message,
	})
}
