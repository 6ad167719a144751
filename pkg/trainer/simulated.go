package trainer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Simulated produces synthetic, steadily improving metrics without running
// a model. It is used for development and tests.
type Simulated struct {
	EpochDelay  time.Duration
	FailAtEpoch int  // 0 disables
	Artifacts   bool // write placeholder weights and results.csv
}

// Train reports req.Config.Epochs epochs, honoring ctx between epochs
func (s *Simulated) Train(ctx context.Context, req Request, cb Callbacks) error {
	total := req.Config.Epochs
	cb.OnTrainStart(total)

	var rows []string
	for epoch := 1; epoch <= total; epoch++ {
		if s.EpochDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.EpochDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if s.FailAtEpoch > 0 && epoch == s.FailAtEpoch {
			return fmt.Errorf("simulated failure at epoch %d", epoch)
		}

		m := syntheticMetrics(epoch, total, req.Config.LearningRate)
		cb.OnEpochEnd(epoch, total, m)
		rows = append(rows, fmt.Sprintf("%d,%.5f,%.5f,%.5f,%.5f", epoch,
			m["train/box_loss"], m["val/box_loss"], m["metrics/mAP50(B)"], m["metrics/mAP50-95(B)"]))
	}

	if s.Artifacts {
		return writeArtifacts(req.ProjectDir, rows)
	}
	return nil
}

func syntheticMetrics(epoch, total int, lr float64) map[string]float64 {
	x := float64(epoch) / float64(total)
	decay := math.Exp(-3 * x)
	return map[string]float64{
		"train/box_loss":       0.3 + 1.2*decay,
		"val/box_loss":         0.35 + 1.3*decay,
		"metrics/mAP50(B)":     0.9 * (1 - decay),
		"metrics/mAP50-95(B)":  0.65 * (1 - decay),
		"metrics/precision(B)": 0.85 * (1 - decay*0.8),
		"metrics/recall(B)":    0.8 * (1 - decay*0.8),
		"lr/pg0":               lr * (1 - 0.9*x),
	}
}

func writeArtifacts(projectDir string, rows []string) error {
	runDir := filepath.Join(projectDir, RunName)
	weights := filepath.Join(runDir, "weights")
	if err := os.MkdirAll(weights, 0755); err != nil {
		return err
	}
	for _, name := range []string{"best.pt", "last.pt"} {
		if err := os.WriteFile(filepath.Join(weights, name), []byte("simulated"), 0644); err != nil {
			return err
		}
	}
	csv := "epoch,train/box_loss,val/box_loss,metrics/mAP50(B),metrics/mAP50-95(B)\n" + strings.Join(rows, "\n") + "\n"
	return os.WriteFile(filepath.Join(runDir, "results.csv"), []byte(csv), 0644)
}
