package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const (
	LabelMalignant = "Malignant"
	LabelBenign    = "Benign"

	DefaultThreshold = 0.5
)

// Metadata describes the exported graph's input and output bindings.
type Metadata struct {
	InputName    string   `json:"input_name"`
	OutputName   string   `json:"output_name"`
	InputShape   []int64  `json:"input_shape"`
	OutputShape  []int64  `json:"output_shape"`
	CustomLayers []string `json:"custom_layers,omitempty"`
}

// DefaultMetadata matches the thyroid classifier exported from Keras:
// a single NHWC image in, a single sigmoid probability out.
func DefaultMetadata() Metadata {
	return Metadata{
		InputName:    "input",
		OutputName:   "output",
		InputShape:   []int64{1, 224, 224, 3},
		OutputShape:  []int64{1, 1},
		CustomLayers: []string{"SEBlock", "Avg2MaxPooling", "DepthwiseSeparableConv"},
	}
}

// LoadMetadata reads a metadata side-car file. A missing file yields the defaults;
// fields omitted from the file keep their default values.
func LoadMetadata(path string) (Metadata, error) {
	metadata := DefaultMetadata()
	if path == "" {
		return metadata, nil
	}

	metaFile, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return metadata, nil
		}
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

func (m Metadata) Validate() error {
	if m.InputName == "" || m.OutputName == "" {
		return errors.New("metadata: input_name and output_name are required")
	}
	if len(m.InputShape) != 4 || m.InputShape[3] != 3 {
		return fmt.Errorf("metadata: input_shape must be [batch, height, width, 3], got %v", m.InputShape)
	}
	for _, dim := range append(append([]int64{}, m.InputShape...), m.OutputShape...) {
		if dim <= 0 {
			return fmt.Errorf("metadata: shapes must be fully static, got input %v output %v", m.InputShape, m.OutputShape)
		}
	}
	if len(m.OutputShape) == 0 {
		return errors.New("metadata: output_shape is required")
	}
	return nil
}

// ImageSize is the spatial edge the graph expects.
func (m Metadata) ImageSize() int {
	return int(m.InputShape[1])
}

func (m Metadata) InputSize() int {
	return volume(m.InputShape)
}

func volume(shape []int64) int {
	n := 1
	for _, dim := range shape {
		n *= int(dim)
	}
	return n
}

// Result is what /predict returns on success.
type Result struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Classify derives the label for a probability. The threshold itself is malignant.
func Classify(probability float32, threshold float64) Result {
	p := float64(probability)
	label := LabelBenign
	if p >= threshold {
		label = LabelMalignant
	}
	return Result{Label: label, Probability: p}
}
