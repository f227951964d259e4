package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/dataset"
	"github.com/3FT-io/dermascan/pkg/inference"
	"github.com/3FT-io/dermascan/pkg/model"
	"github.com/3FT-io/dermascan/pkg/upload"
)

// Retrain outcome statuses.
const (
	StatusRetrained = "retrained"
	StatusNoNewData = "no_new_data"
)

// RetrainResult is reported to the caller of a retrain.
type RetrainResult struct {
	Status        string                `json:"status"`
	Epochs        int                   `json:"epochs,omitempty"`
	FinalTrainAcc float64               `json:"final_train_acc,omitempty"`
	FinalValAcc   float64               `json:"final_val_acc,omitempty"`
	ModelID       string                `json:"model_id,omitempty"`
	NewSamples    int                   `json:"new_samples,omitempty"`
	History       *core.TrainingHistory `json:"history,omitempty"`
}

// Listener is told about every model published by a retrain. Listener errors
// are logged and do not fail the retrain.
type Listener interface {
	ModelPublished(ctx context.Context, meta *core.ModelMetadata) error
}

// Observer is told the outcome of every retrain run, synchronous or
// submitted. err is nil exactly when res is set. Observers run while the
// retrain lock is held and must not start another retrain.
type Observer interface {
	RetrainFinished(res *RetrainResult, err error)
}

// Retrainer runs the upload → fine-tune → publish cycle. Only one retrain
// runs at a time; predictions keep using the previous snapshot until the new
// model has been stored and marked current.
type Retrainer struct {
	loader    *dataset.Loader
	trainer   *Trainer
	service   *inference.Service
	storage   *core.Storage
	sink      *upload.Sink
	catalog   *core.ClassCatalog
	base      dataset.Sequence
	val       dataset.Sequence
	seed      uint64
	listeners []Listener
	logger    *zap.Logger

	mu        sync.Mutex
	obsMu     sync.RWMutex
	observers []Observer
	jobsMu    sync.RWMutex
	jobs      map[string]*Job
}

// RetrainerDeps groups the collaborators of a Retrainer.
type RetrainerDeps struct {
	Loader  *dataset.Loader
	Trainer *Trainer
	Service *inference.Service
	Storage *core.Storage
	Sink    *upload.Sink
	Catalog *core.ClassCatalog
	// Base and Val are the startup train and test sequences. Either may be nil.
	Base dataset.Sequence
	Val  dataset.Sequence
	Seed uint64
}

func NewRetrainer(deps RetrainerDeps, logger *zap.Logger, listeners ...Listener) *Retrainer {
	return &Retrainer{
		loader:    deps.Loader,
		trainer:   deps.Trainer,
		service:   deps.Service,
		storage:   deps.Storage,
		sink:      deps.Sink,
		catalog:   deps.Catalog,
		base:      deps.Base,
		val:       deps.Val,
		seed:      deps.Seed,
		listeners: listeners,
		logger:    logger,
		jobs:      make(map[string]*Job),
	}
}

// AddObserver registers o for subsequent retrains. It does not wait for a
// running retrain.
func (r *Retrainer) AddObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Retrainer) notify(res *RetrainResult, err error) {
	r.obsMu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.obsMu.RUnlock()

	for _, o := range observers {
		o.RetrainFinished(res, err)
	}
}

// Retrain runs one cycle synchronously. It returns core.ErrRetrainInProgress
// if another cycle holds the lock.
func (r *Retrainer) Retrain(ctx context.Context) (*RetrainResult, error) {
	if !r.mu.TryLock() {
		return nil, core.ErrRetrainInProgress
	}
	defer r.mu.Unlock()

	res, err := r.run(ctx)
	r.notify(res, err)
	return res, err
}

// Exclusive runs fn while holding the retrain lock, waiting for a running
// retrain to finish first.
func (r *Retrainer) Exclusive(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

func (r *Retrainer) run(ctx context.Context) (*RetrainResult, error) {
	start := time.Now()

	newData, err := r.loader.Load(ctx, r.sink.Root(), r.catalog, dataset.Options{Shuffle: true, Seed: r.seed})
	if errors.Is(err, core.ErrNoData) {
		r.logger.Info("No new data to retrain on", zap.String("dir", r.sink.Root()))
		return &RetrainResult{Status: StatusNoNewData}, nil
	}
	if err != nil {
		return nil, err
	}

	snap := r.service.Current()
	if snap == nil {
		return nil, inference.ErrNotReady
	}
	published, ok := snap.Model.(model.Trainable)
	if !ok {
		return nil, fmt.Errorf("fine-tune: %w", core.ErrUnsupported)
	}

	// Train a private copy so in-flight predictions never see partial updates.
	candidate := published.Clone()
	combined := dataset.Concat(r.base, newData)

	res, err := r.trainer.FineTune(ctx, candidate, combined, r.val, r.trainer.Epochs())
	if err != nil {
		r.logger.Error("Retrain failed, new data kept for the next attempt", zap.Error(err))
		return nil, err
	}

	// New data is only cleared once the model is durable and published.
	if err := r.storage.SetCurrent(ctx, res.Metadata.ID); err != nil {
		return nil, fmt.Errorf("mark model current: %w", err)
	}
	if err := r.service.Publish(&inference.Snapshot{
		Model:   res.Model,
		Catalog: r.catalog,
		ModelID: res.Metadata.ID,
	}); err != nil {
		return nil, err
	}
	if err := r.sink.Clear(ctx); err != nil {
		r.logger.Error("Failed to clear new data", zap.Error(err))
	}

	for _, l := range r.listeners {
		if err := l.ModelPublished(ctx, res.Metadata); err != nil {
			r.logger.Warn("Model publish listener failed",
				zap.String("model_id", res.Metadata.ID),
				zap.Error(err))
		}
	}

	final, _ := res.History.Final()
	r.logger.Info("Retrain complete",
		zap.String("model_id", res.Metadata.ID),
		zap.Int("new_samples", newData.Len()),
		zap.Duration("elapsed", time.Since(start)))

	return &RetrainResult{
		Status:        StatusRetrained,
		Epochs:        res.History.Len(),
		FinalTrainAcc: final.Accuracy,
		FinalValAcc:   final.ValAccuracy,
		ModelID:       res.Metadata.ID,
		NewSamples:    newData.Len(),
		History:       res.History,
	}, nil
}

// Job statuses.
const (
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job tracks an asynchronous retrain.
type Job struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Result     *RetrainResult `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Submit starts a retrain in the background and returns its job. The retrain
// is detached from ctx cancellation and runs to completion.
func (r *Retrainer) Submit(ctx context.Context) (*Job, error) {
	if !r.mu.TryLock() {
		return nil, core.ErrRetrainInProgress
	}

	job := &Job{
		ID:        uuid.New().String(),
		Status:    JobRunning,
		StartedAt: time.Now().UTC(),
	}
	r.jobsMu.Lock()
	r.jobs[job.ID] = job
	snapshot := *job
	r.jobsMu.Unlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		defer r.mu.Unlock()

		res, err := r.run(bg)
		r.notify(res, err)
		finished := time.Now().UTC()

		r.jobsMu.Lock()
		job.FinishedAt = &finished
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
			job.Kind = core.ErrorKind(err)
		} else {
			job.Status = JobSucceeded
			job.Result = res
		}
		r.jobsMu.Unlock()
	}()

	r.logger.Info("Retrain job submitted", zap.String("job_id", job.ID))
	return &snapshot, nil
}

// Job returns a copy of the job with the given id.
func (r *Retrainer) Job(id string) (*Job, bool) {
	r.jobsMu.RLock()
	defer r.jobsMu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}
