package trainer

import (
	"context"

	"github.com/psantana5/yolotrain/pkg/models"
)

// RunName is the output subdirectory the trainer writes results into
const RunName = "training"

// Callbacks are invoked synchronously from the goroutine running Train
type Callbacks interface {
	OnTrainStart(totalEpochs int)
	OnEpochEnd(epoch, totalEpochs int, metrics map[string]float64)
}

// LogSink is optionally implemented by Callbacks to receive free-text trainer output
type LogSink interface {
	OnLog(line string)
}

// Trainer runs one blocking training invocation
type Trainer interface {
	Train(ctx context.Context, req Request, cb Callbacks) error
}

// Request is everything a trainer needs for one job
type Request struct {
	JobID      string                `json:"job_id"`
	Model      string                `json:"model"`
	DataYAML   string                `json:"data"`
	ProjectDir string                `json:"project"`
	Config     models.TrainingConfig `json:"config"`
}

// Event is one of TrainStart or EpochEnd
type Event interface {
	isEvent()
}

// TrainStart is emitted once, before the first epoch
type TrainStart struct {
	TotalEpochs int
}

// EpochEnd is emitted after every completed epoch
type EpochEnd struct {
	Epoch       int
	TotalEpochs int
	Metrics     map[string]float64
}

func (TrainStart) isEvent() {}
func (EpochEnd) isEvent()   {}

// Dispatch invokes the callback matching ev
func Dispatch(cb Callbacks, ev Event) {
	switch e := ev.(type) {
	case TrainStart:
		cb.OnTrainStart(e.TotalEpochs)
	case EpochEnd:
		cb.OnEpochEnd(e.Epoch, e.TotalEpochs, e.Metrics)
	}
}

// TrainArgs maps the config onto the trainer's keyword arguments
func (r Request) TrainArgs() map[string]interface{} {
	c := r.Config
	a := c.Augmentation
	return map[string]interface{}{
		"data":         r.DataYAML,
		"epochs":       c.Epochs,
		"batch":        c.BatchSize,
		"imgsz":        c.ImageSize,
		"device":       c.Device,
		"workers":      c.Workers,
		"optimizer":    c.Optimizer,
		"lr0":          c.LearningRate,
		"momentum":     c.Momentum,
		"weight_decay": c.WeightDecay,
		"patience":     c.Patience,
		"cos_lr":       c.CosLR,
		"rect":         c.Rect,
		"cache":        c.Cache,
		"mosaic":       toggle(a.Mosaic, 1.0),
		"mixup":        toggle(a.Mixup, 0.1),
		"degrees":      a.Rotation,
		"hsv_h":        a.HSVH,
		"hsv_s":        a.HSVS,
		"hsv_v":        a.HSVV,
		"translate":    a.Translate,
		"scale":        a.Scale,
		"fliplr":       toggle(a.FlipHorizontal, 0.5),
		"flipud":       toggle(a.FlipVertical, 0.5),
		"project":      r.ProjectDir,
		"name":         RunName,
		"exist_ok":     true,
		"verbose":      true,
	}
}

func toggle(on bool, value float64) float64 {
	if on {
		return value
	}
	return 0
}
