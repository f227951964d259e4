package loadgen_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/loadgen"
	"github.com/3FT-io/dermascan/pkg/testutil"
)

func TestRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			http.NotFound(w, r)
			return
		}
		n := hits.Add(1)
		if _, _, err := r.FormFile("file"); err != nil {
			json.NewEncoder(w).Encode(map[string]string{"error": "no file"})
			return
		}
		if n%4 == 0 {
			json.NewEncoder(w).Encode(map[string]string{"error": "decode_error"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"class_name": "acne", "confidence": 0.9})
	}))
	defer srv.Close()

	dir := t.TempDir()
	testutil.CreateTestFile(t, dir, "a.jpg", "img")
	testutil.CreateTestFile(t, dir, "b.jpg", "img")

	runner, err := loadgen.NewRunner(loadgen.Config{
		BaseURL:   srv.URL,
		ImagesDir: dir,
		Users:     3,
		Requests:  8,
		MinWait:   time.Millisecond,
		MaxWait:   2 * time.Millisecond,
		Seed:      1,
	}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, report.Requests)
	assert.Equal(t, 2, report.Failures)
	assert.Equal(t, 6, report.Classes["acne"])
	assert.Greater(t, report.Max, 0.0)
	assert.LessOrEqual(t, report.P50, report.P95)
	assert.LessOrEqual(t, report.P95, report.Max)
}

func TestNewRunnerValidation(t *testing.T) {
	empty := t.TempDir()
	_, err := loadgen.NewRunner(loadgen.Config{ImagesDir: empty, Requests: 1}, nil, zap.NewNop())
	assert.Error(t, err)

	dir := t.TempDir()
	testutil.CreateTestFile(t, dir, "a.jpg", "img")
	_, err = loadgen.NewRunner(loadgen.Config{ImagesDir: dir}, nil, zap.NewNop())
	assert.Error(t, err, "neither duration nor request count")

	_, err = loadgen.NewRunner(loadgen.Config{
		ImagesDir: dir,
		Requests:  1,
		MinWait:   time.Second,
		MaxWait:   time.Millisecond,
	}, nil, zap.NewNop())
	assert.Error(t, err)
}
