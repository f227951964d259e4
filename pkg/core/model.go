package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ModelMetadata describes one persisted model artifact.
type ModelMetadata struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Format         string    `json:"format"`
	Size           int64     `json:"size"`
	Hash           string    `json:"hash"`
	Chunks         []string  `json:"chunks"`
	CatalogVersion int       `json:"catalog_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Prediction is the top-1 result of scoring one image.
type Prediction struct {
	ClassName     string    `json:"class_name"`
	ClassIndex    int       `json:"class_index"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities,omitempty"`
	ModelID       string    `json:"model_id,omitempty"`
}

// EpochStats holds the metrics recorded at the end of one training epoch.
type EpochStats struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// TrainingHistory is the per-epoch record of one fit call.
type TrainingHistory struct {
	Epochs []EpochStats `json:"epochs"`
}

func (h *TrainingHistory) Len() int {
	return len(h.Epochs)
}

// Final returns the stats of the last epoch.
func (h *TrainingHistory) Final() (EpochStats, bool) {
	if len(h.Epochs) == 0 {
		return EpochStats{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
