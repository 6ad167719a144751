package dataset

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DataYAMLName is the trainer-facing dataset description written next to the images
const DataYAMLName = "data.yaml"

// DataConfig is the content of data.yaml
type DataConfig struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names"`
}

// ReadClasses returns the class names listed in the dataset manifest, one per line
func ReadClasses(datasetDir string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(datasetDir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, validationError(RuleManifest, "%s not found in dataset", ManifestName)
	}
	if err != nil {
		return nil, extractionError(RuleCorrupt, "read %s: %v", ManifestName, err)
	}

	var classes []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			classes = append(classes, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, extractionError(RuleCorrupt, "read %s: %v", ManifestName, err)
	}
	if len(classes) == 0 {
		return nil, validationError(RuleManifest, "%s lists no classes", ManifestName)
	}
	return classes, nil
}

// WriteDataYAML builds data.yaml from the manifest and returns its path
func WriteDataYAML(datasetDir string) (string, error) {
	classes, err := ReadClasses(datasetDir)
	if err != nil {
		return "", err
	}

	abs, err := filepath.Abs(datasetDir)
	if err != nil {
		return "", fmt.Errorf("resolve dataset path: %w", err)
	}
	cfg := DataConfig{
		Path:  abs,
		Train: "images/train",
		Val:   "images/val",
		NC:    len(classes),
		Names: classes,
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", DataYAMLName, err)
	}
	target := filepath.Join(datasetDir, DataYAMLName)
	if err := os.WriteFile(target, out, 0644); err != nil {
		return "", extractionError(RuleWrite, "write %s: %v", DataYAMLName, err)
	}
	return target, nil
}

// LoadDataYAML reads back a data.yaml written by WriteDataYAML
func LoadDataYAML(path string) (*DataConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DataConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}
