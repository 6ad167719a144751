package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/psantana5/yolotrain/pkg/models"
)

// maxRunningProgress keeps progress below 100 until the job completes
const maxRunningProgress = 99.0

// callbacks bridges trainer events into registry updates and relayed
// messages for one job. A job that is no longer running ignores them.
type callbacks struct {
	m         *Manager
	jobID     string
	defaultLR float64
}

func (c *callbacks) OnTrainStart(totalEpochs int) {
	defer c.recover()
	c.update(func(j *models.Job) error {
		if totalEpochs > 0 {
			j.TotalEpochs = totalEpochs
		}
		c.m.appendLog(j, fmt.Sprintf("Training started: %d epochs", j.TotalEpochs))
		return nil
	})
}

func (c *callbacks) OnEpochEnd(epoch, totalEpochs int, metrics map[string]float64) {
	defer c.recover()
	if c.update(func(j *models.Job) error { return c.applyEpoch(j, epoch, totalEpochs, metrics) }) {
		c.m.recorder.EpochCompleted()
	}
}

func (c *callbacks) OnLog(line string) {
	defer c.recover()
	c.update(func(j *models.Job) error {
		c.m.appendLog(j, line)
		return nil
	})
}

// applyEpoch records one epoch. Epochs at or below the last recorded one are
// ignored so the metrics series stays strictly increasing.
func (c *callbacks) applyEpoch(j *models.Job, epoch, totalEpochs int, raw map[string]float64) error {
	if epoch <= j.LastEpoch() {
		return errSkip
	}
	if totalEpochs > 0 {
		j.TotalEpochs = totalEpochs
	}
	if j.TotalEpochs > 0 && epoch > j.TotalEpochs {
		epoch = j.TotalEpochs
		if epoch <= j.LastEpoch() {
			return errSkip
		}
	}
	if err := j.TransitionTo(models.JobStatusRunning, ""); err != nil {
		return err
	}

	metrics := toMetrics(epoch, raw, c.defaultLR)
	j.CurrentEpoch = epoch
	j.Metrics = append(j.Metrics, metrics)
	if j.TotalEpochs > 0 {
		progress := math.Min(float64(epoch)/float64(j.TotalEpochs)*100, maxRunningProgress)
		if progress > j.Progress {
			j.Progress = progress
		}
	}

	c.m.relay.Push(j.ID, models.Message{
		Type:  models.MessageMetrics,
		JobID: j.ID,
		Data: models.EpochUpdate{
			Epoch:       epoch,
			TotalEpochs: j.TotalEpochs,
			Progress:    j.Progress,
			Metrics:     metrics,
		},
	})
	return nil
}

// update applies fn while the job is running and reports whether it committed
func (c *callbacks) update(fn func(j *models.Job) error) bool {
	_, err := c.m.store.UpdateJob(c.jobID, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return errSkip
		}
		return fn(j)
	})
	if err != nil && !errors.Is(err, errSkip) {
		c.m.logger.Warn("Failed to record trainer event", map[string]interface{}{
			"job_id": c.jobID,
			"error":  err.Error(),
		})
	}
	return err == nil
}

func (c *callbacks) recover() {
	if r := recover(); r != nil {
		c.m.logger.Error("Trainer callback panicked", map[string]interface{}{
			"job_id": c.jobID,
			"panic":  fmt.Sprint(r),
		})
	}
}

func toMetrics(epoch int, raw map[string]float64, defaultLR float64) models.Metrics {
	lr, ok := raw["lr/pg0"]
	if !ok {
		lr = defaultLR
	}
	return models.Metrics{
		Epoch:        epoch,
		TrainLoss:    raw["train/box_loss"],
		ValLoss:      raw["val/box_loss"],
		MAP50:        raw["metrics/mAP50(B)"],
		MAP50_95:     raw["metrics/mAP50-95(B)"],
		Precision:    raw["metrics/precision(B)"],
		Recall:       raw["metrics/recall(B)"],
		LearningRate: lr,
	}
}
