package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfigurationInvalid is returned when training parameters fail validation
var ErrConfigurationInvalid = errors.New("invalid training configuration")

// AugmentationConfig controls the trainer's data augmentation
type AugmentationConfig struct {
	Mosaic         bool    `json:"mosaic" yaml:"mosaic"`
	Mixup          bool    `json:"mixup" yaml:"mixup"`
	Rotation       float64 `json:"rotation" yaml:"rotation"`
	HSVH           float64 `json:"hsv_h" yaml:"hsv_h"`
	HSVS           float64 `json:"hsv_s" yaml:"hsv_s"`
	HSVV           float64 `json:"hsv_v" yaml:"hsv_v"`
	Translate      float64 `json:"translate" yaml:"translate"`
	Scale          float64 `json:"scale" yaml:"scale"`
	FlipHorizontal bool    `json:"flip_horizontal" yaml:"flip_horizontal"`
	FlipVertical   bool    `json:"flip_vertical" yaml:"flip_vertical"`
}

// TrainingConfig describes one training run
type TrainingConfig struct {
	Name         string             `json:"name" yaml:"name"`
	DatasetID    string             `json:"dataset_id" yaml:"dataset_id"`
	YOLOVersion  string             `json:"yolo_version" yaml:"yolo_version"`
	ModelSize    string             `json:"model_size" yaml:"model_size"`
	Epochs       int                `json:"epochs" yaml:"epochs"`
	BatchSize    int                `json:"batch_size" yaml:"batch_size"`
	ImageSize    int                `json:"image_size" yaml:"image_size"`
	Device       string             `json:"device" yaml:"device"`
	Workers      int                `json:"workers" yaml:"workers"`
	Optimizer    string             `json:"optimizer" yaml:"optimizer"`
	LearningRate float64            `json:"learning_rate" yaml:"learning_rate"`
	Momentum     float64            `json:"momentum" yaml:"momentum"`
	WeightDecay  float64            `json:"weight_decay" yaml:"weight_decay"`
	Patience     int                `json:"patience" yaml:"patience"`
	CosLR        bool               `json:"cos_lr" yaml:"cos_lr"`
	Rect         bool               `json:"rect" yaml:"rect"`
	Cache        bool               `json:"cache" yaml:"cache"`
	Augmentation AugmentationConfig `json:"augmentation" yaml:"augmentation"`
}

// DefaultAugmentationConfig returns the trainer's stock augmentation settings
func DefaultAugmentationConfig() AugmentationConfig {
	return AugmentationConfig{
		Mosaic:         true,
		HSVH:           0.015,
		HSVS:           0.7,
		HSVV:           0.4,
		Translate:      0.1,
		Scale:          0.5,
		FlipHorizontal: true,
	}
}

// DefaultTrainingConfig returns a config with every optional field set.
// Decoding a request body onto it keeps defaults for omitted fields.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		YOLOVersion:  "v8",
		ModelSize:    "n",
		Epochs:       100,
		BatchSize:    16,
		ImageSize:    640,
		Device:       "auto",
		Workers:      4,
		Optimizer:    "Adam",
		LearningRate: 0.01,
		Momentum:     0.937,
		WeightDecay:  0.0005,
		Patience:     50,
		Augmentation: DefaultAugmentationConfig(),
	}
}

var (
	yoloVersions = []string{"v5", "v8", "v11"}
	modelSizes   = []string{"n", "s", "m", "l", "x"}
	devices      = []string{"cpu", "cuda", "mps", "auto"}
	optimizers   = []string{"Adam", "SGD", "AdamW"}
)

// Validate checks every field and reports all violations at once
func (c *TrainingConfig) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Name) != "", "name is required")
	check(strings.TrimSpace(c.DatasetID) != "", "dataset_id is required")
	check(oneOf(c.YOLOVersion, yoloVersions), "yolo_version must be one of %v, got %q", yoloVersions, c.YOLOVersion)
	check(oneOf(c.ModelSize, modelSizes), "model_size must be one of %v, got %q", modelSizes, c.ModelSize)
	check(c.Epochs >= 1 && c.Epochs <= 1000, "epochs must be between 1 and 1000, got %d", c.Epochs)
	check(c.BatchSize >= 1 && c.BatchSize <= 128, "batch_size must be between 1 and 128, got %d", c.BatchSize)
	check(c.ImageSize >= 320 && c.ImageSize <= 1280, "image_size must be between 320 and 1280, got %d", c.ImageSize)
	check(oneOf(c.Device, devices), "device must be one of %v, got %q", devices, c.Device)
	check(c.Workers >= 0 && c.Workers <= 16, "workers must be between 0 and 16, got %d", c.Workers)
	check(oneOf(c.Optimizer, optimizers), "optimizer must be one of %v, got %q", optimizers, c.Optimizer)
	check(c.LearningRate > 0 && c.LearningRate <= 1, "learning_rate must be in (0, 1], got %g", c.LearningRate)
	check(c.Momentum >= 0 && c.Momentum <= 1, "momentum must be between 0 and 1, got %g", c.Momentum)
	check(c.WeightDecay >= 0 && c.WeightDecay <= 0.01, "weight_decay must be between 0 and 0.01, got %g", c.WeightDecay)
	check(c.Patience >= 5 && c.Patience <= 100, "patience must be between 5 and 100, got %d", c.Patience)

	a := c.Augmentation
	check(a.Rotation >= 0 && a.Rotation <= 45, "augmentation.rotation must be between 0 and 45, got %g", a.Rotation)
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"hsv_h", a.HSVH},
		{"hsv_s", a.HSVS},
		{"hsv_v", a.HSVV},
		{"translate", a.Translate},
		{"scale", a.Scale},
	} {
		check(f.value >= 0 && f.value <= 1, "augmentation.%s must be between 0 and 1, got %g", f.name, f.value)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfigurationInvalid, strings.Join(problems, "; "))
}

// ModelName returns the pretrained weights file for the configured version and size
func (c *TrainingConfig) ModelName() string {
	return fmt.Sprintf("yolo%s%s.pt", strings.TrimPrefix(c.YOLOVersion, "v"), c.ModelSize)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
