package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/api"
	"github.com/3FT-io/dermascan/pkg/codec"
	"github.com/3FT-io/dermascan/pkg/config"
	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/dataset"
	"github.com/3FT-io/dermascan/pkg/inference"
	"github.com/3FT-io/dermascan/pkg/model"
	"github.com/3FT-io/dermascan/pkg/testutil"
	"github.com/3FT-io/dermascan/pkg/training"
	"github.com/3FT-io/dermascan/pkg/upload"
)

type testEnv struct {
	handler   http.Handler
	service   *inference.Service
	storage   *core.Storage
	retrainer *training.Retrainer
	sink      *upload.Sink
	newData   string
}

func setupTestAPI(t *testing.T) *testEnv {
	ctx := context.Background()
	dir := t.TempDir()
	log := zap.NewNop()

	trainDir := testutil.WriteClassTree(t, filepath.Join(dir, "train"), map[string]int{"acne": 6, "eczema": 6})
	testDir := testutil.WriteClassTree(t, filepath.Join(dir, "test"), map[string]int{"acne": 2, "eczema": 2})

	catalog, err := core.ScanCatalog(trainDir, 1)
	require.NoError(t, err)

	c := codec.New(32)
	loader := dataset.NewLoader(c, dataset.LoaderConfig{BatchSize: 4}, log)
	trainDS, err := loader.Load(ctx, trainDir, catalog, dataset.Options{Shuffle: true, Seed: 1})
	require.NoError(t, err)
	testDS, err := loader.Load(ctx, testDir, catalog, dataset.Options{})
	require.NoError(t, err)

	storage, err := core.NewStorage(filepath.Join(dir, "store"))
	require.NoError(t, err)
	trainer := training.NewTrainer(storage, training.Config{
		Epochs:         30,
		LearningRate:   0.05,
		CatalogVersion: catalog.Version,
	}, log)

	clf, err := model.NewClassifier(c.Shape(), catalog.Len(), 4, 7)
	require.NoError(t, err)
	res, err := trainer.Bootstrap(ctx, clf, trainDS, testDS, 0)
	require.NoError(t, err)

	service := inference.NewService(log)
	require.NoError(t, service.Publish(&inference.Snapshot{
		Model:   res.Model,
		Catalog: catalog,
		ModelID: res.Metadata.ID,
	}))

	sink := upload.NewSink(filepath.Join(dir, "newdata"), log)
	retrainer := training.NewRetrainer(training.RetrainerDeps{
		Loader:  loader,
		Trainer: trainer,
		Service: service,
		Storage: storage,
		Sink:    sink,
		Catalog: catalog,
		Base:    trainDS,
		Val:     testDS,
		Seed:    1,
	}, log)

	a, err := api.NewAPI(api.Deps{
		Service:   service,
		Codec:     c,
		Sink:      sink,
		Retrainer: retrainer,
		Storage:   storage,
		Catalog:   catalog,
	}, config.DefaultConfig().Server, log)
	require.NoError(t, err)

	return &testEnv{
		handler:   a.Handler(),
		service:   service,
		storage:   storage,
		retrainer: retrainer,
		sink:      sink,
		newData:   sink.Root(),
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

type part struct {
	field, name string
	data        []byte
}

func multipartRequest(t *testing.T, path string, parts ...part) *http.Request {
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	for _, p := range parts {
		fw, err := writer.CreateFormFile(p.field, p.name)
		require.NoError(t, err)
		_, err = fw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", path, &b)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestRoot(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[map[string]string](t, w)["status"])
}

func TestHealthCheck(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.NumClasses)
	assert.Equal(t, []string{"acne", "eczema"}, resp.Classes)
	assert.Equal(t, env.service.Current().ModelID, resp.ModelID)
	assert.Equal(t, 1, resp.CatalogVersion)
	assert.Zero(t, resp.PendingUploads)
}

func TestPredict(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, multipartRequest(t, "/predict", part{"file", "sample.png", testutil.PNG(t, 40, 30, testutil.ClassColors["acne"])}))
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.PredictResponse](t, w)
	assert.Equal(t, "acne", resp.ClassName)
	assert.Greater(t, resp.Confidence, float32(0.5))
	assert.LessOrEqual(t, resp.Confidence, float32(1))
	assert.Equal(t, env.service.Current().ModelID, resp.ModelID)
}

func TestPredictErrors(t *testing.T) {
	env := setupTestAPI(t)

	tests := []struct {
		name string
		req  *http.Request
		kind string
	}{
		{
			name: "undecodable image",
			req:  multipartRequest(t, "/predict", part{"file", "broken.jpg", []byte("not an image")}),
			kind: core.KindDecode,
		},
		{
			name: "missing file field",
			req:  multipartRequest(t, "/predict", part{"image", "a.png", testutil.PNG(t, 8, 8, color.White)}),
			kind: api.KindBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.req)
			// errors are reported in the body, not the status code
			assert.Equal(t, http.StatusOK, w.Code)
			resp := decode[api.ErrorResponse](t, w)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Kind)
		})
	}
}

func TestUploadBulk(t *testing.T) {
	env := setupTestAPI(t)
	img := testutil.PNG(t, 16, 16, testutil.ClassColors["eczema"])

	w := env.do(t, multipartRequest(t, "/upload-bulk",
		part{"files", "eczema_1.png", img},
		part{"files", "ECZEMA_2.png", img},
		part{"files", "noprefix.png", img},
	))
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.UploadResponse](t, w)
	assert.Equal(t, api.UploadSaved, resp.Status)
	assert.Equal(t, 3, resp.FilesSaved)

	assert.FileExists(t, filepath.Join(env.newData, "eczema", "eczema_1.png"))
	assert.FileExists(t, filepath.Join(env.newData, "eczema", "ECZEMA_2.png"))
	assert.FileExists(t, filepath.Join(env.newData, "unknown", "noprefix.png"))

	w = env.do(t, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 3, decode[api.HealthResponse](t, w).PendingUploads)
}

func TestUploadBulkWithoutFiles(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, multipartRequest(t, "/upload-bulk"))
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[api.UploadResponse](t, w)
	assert.Equal(t, api.UploadError, resp.Status)
	assert.Zero(t, resp.FilesSaved)
}

func TestRetrainNoNewData(t *testing.T) {
	env := setupTestAPI(t)
	before := env.service.Current()

	w := env.do(t, httptest.NewRequest("POST", "/retrain", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// nothing but the status is reported
	resp := decode[map[string]any](t, w)
	assert.Equal(t, map[string]any{"status": training.StatusNoNewData}, resp)
	assert.Same(t, before, env.service.Current())
}

func TestRetrainTrainingError(t *testing.T) {
	env := setupTestAPI(t)
	before := env.service.Current()

	bad := filepath.Join(env.newData, "acne", "acne_bad.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(bad), 0755))
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0644))

	w := env.do(t, httptest.NewRequest("POST", "/retrain", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.RetrainErrorResponse](t, w)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, core.KindTraining, resp.Kind)
	assert.NotEmpty(t, resp.Message)

	// the failed upload stays staged for the next attempt
	assert.FileExists(t, bad)
	pending, err := env.sink.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Same(t, before, env.service.Current())

	w = env.do(t, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), `dermascan_retrains_total{status="error"} 1`)
}

// blockingObserver holds the retrain lock until released.
type blockingObserver struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (o *blockingObserver) RetrainFinished(*training.RetrainResult, error) {
	o.once.Do(func() { close(o.entered) })
	<-o.release
}

func TestRetrainInProgress(t *testing.T) {
	env := setupTestAPI(t)
	obs := &blockingObserver{entered: make(chan struct{}), release: make(chan struct{})}
	env.retrainer.AddObserver(obs)

	w := env.do(t, httptest.NewRequest("POST", "/retrain?async=true", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	accepted := decode[api.RetrainAcceptedResponse](t, w)

	select {
	case <-obs.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("retrain job did not finish its run")
	}

	for _, path := range []string{"/retrain", "/retrain?async=true"} {
		w = env.do(t, httptest.NewRequest("POST", path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		resp := decode[api.RetrainErrorResponse](t, w)
		assert.Equal(t, "error", resp.Status, path)
		assert.Equal(t, core.KindRetrainInProgress, resp.Kind, path)
	}

	close(obs.release)
	require.Eventually(t, func() bool {
		job, ok := env.retrainer.Job(accepted.JobID)
		return ok && job.Status != training.JobRunning
	}, 10*time.Second, 20*time.Millisecond)

	w = env.do(t, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `dermascan_retrains_total{status="rejected"} 2`)
	assert.Contains(t, body, `dermascan_retrains_total{status="no_new_data"} 1`)
}

func TestRetrain(t *testing.T) {
	env := setupTestAPI(t)
	before := env.service.Current()
	img := testutil.PNG(t, 16, 16, testutil.ClassColors["acne"])

	w := env.do(t, multipartRequest(t, "/upload-bulk",
		part{"files", "acne_new1.png", img},
		part{"files", "acne_new2.png", img},
	))
	require.Equal(t, api.UploadSaved, decode[api.UploadResponse](t, w).Status)

	w = env.do(t, httptest.NewRequest("POST", "/retrain", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.RetrainResponse](t, w)
	assert.Equal(t, training.StatusRetrained, resp.Status)
	assert.Equal(t, 30, resp.Epochs)
	assert.InDelta(t, 0.5, resp.FinalValAcc, 0.5)
	assert.NotEqual(t, before.ModelID, resp.ModelID)
	assert.Equal(t, resp.ModelID, env.service.Current().ModelID)

	entries, err := os.ReadDir(env.newData)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetrainAsync(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, httptest.NewRequest("POST", "/retrain?async=true", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	accepted := decode[api.RetrainAcceptedResponse](t, w)
	require.NotEmpty(t, accepted.JobID)

	var job training.Job
	require.Eventually(t, func() bool {
		w := env.do(t, httptest.NewRequest("GET", "/retrain/"+accepted.JobID, nil))
		if w.Code != http.StatusOK {
			return false
		}
		job = decode[training.Job](t, w)
		return job.Status != training.JobRunning
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, training.JobSucceeded, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, training.StatusNoNewData, job.Result.Status)

	w = env.do(t, httptest.NewRequest("GET", "/retrain/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestModelManagement(t *testing.T) {
	env := setupTestAPI(t)
	current := env.service.Current().ModelID

	w := env.do(t, httptest.NewRequest("GET", "/models", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	list := decode[api.APIResponse](t, w)
	assert.True(t, list.Success)
	assert.Len(t, list.Data, 1)

	w = env.do(t, httptest.NewRequest("GET", "/models/"+current, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	_, err := model.LoadClassifier(w.Body)
	require.NoError(t, err)

	w = env.do(t, httptest.NewRequest("GET", "/models/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// the published model cannot be removed
	w = env.do(t, httptest.NewRequest("DELETE", "/models/"+current, nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, httptest.NewRequest("GET", "/storage/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), current)

	w = env.do(t, httptest.NewRequest("GET", "/network/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enabled":false`)
}

func TestMetrics(t *testing.T) {
	env := setupTestAPI(t)
	env.do(t, multipartRequest(t, "/predict", part{"file", "x.png", testutil.PNG(t, 20, 20, testutil.ClassColors["eczema"])}))

	w := env.do(t, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "dermascan_predictions_total"))
	assert.True(t, strings.Contains(body, `path="/predict"`))
	assert.Contains(t, body, "dermascan_model_info")
	assert.Contains(t, body, `model_id="`+env.service.Current().ModelID+`"`)
}

func TestMetricsFollowAsyncRetrain(t *testing.T) {
	env := setupTestAPI(t)
	before := env.service.Current().ModelID
	img := testutil.PNG(t, 16, 16, testutil.ClassColors["eczema"])

	w := env.do(t, multipartRequest(t, "/upload-bulk", part{"files", "eczema_new.png", img}))
	require.Equal(t, api.UploadSaved, decode[api.UploadResponse](t, w).Status)

	w = env.do(t, httptest.NewRequest("POST", "/retrain?async=true", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	accepted := decode[api.RetrainAcceptedResponse](t, w)

	var job *training.Job
	require.Eventually(t, func() bool {
		j, ok := env.retrainer.Job(accepted.JobID)
		if !ok || j.Status == training.JobRunning {
			return false
		}
		job = j
		return true
	}, 30*time.Second, 20*time.Millisecond)
	require.Equal(t, training.JobSucceeded, job.Status, job.Error)

	after := env.service.Current().ModelID
	require.NotEqual(t, before, after)

	w = env.do(t, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `model_id="`+after+`"`)
	assert.NotContains(t, body, `model_id="`+before+`"`)
	assert.Contains(t, body, `dermascan_retrains_total{status="retrained"} 1`)
}
