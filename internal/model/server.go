package model

import (
	"context"
	"fmt"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/thyroid-api/internal/apperrors"
	"github.com/Brownie44l1/thyroid-api/internal/config"
	"github.com/Brownie44l1/thyroid-api/internal/preprocess"
)

// slot is one session with its bound tensors. A session with bound tensors is not
// safe for concurrent Run calls, so slots are handed out one request at a time.
type slot struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (s *slot) destroy() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}

type Server struct {
	Metadata Metadata
	logger   *zap.Logger
	slots    chan *slot
	all      []*slot
}

func NewServer(cfg config.ModelConfig, logger *zap.Logger) (*Server, error) {
	if cfg.SharedLibrary != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	metadata, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	if options != nil {
		defer options.Destroy()
	}

	sessions := cfg.Sessions
	if sessions <= 0 {
		sessions = 1
	}

	s := &Server{
		Metadata: metadata,
		logger:   logger.Named("model"),
		slots:    make(chan *slot, sessions),
	}

	for i := 0; i < sessions; i++ {
		sl, err := newSlot(cfg.Path, metadata, options)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.all = append(s.all, sl)
		s.slots <- sl
	}

	s.logger.Info("model loaded",
		zap.String("path", cfg.Path),
		zap.Int64s("input_shape", metadata.InputShape),
		zap.Int64s("output_shape", metadata.OutputShape),
		zap.Strings("custom_layers", metadata.CustomLayers),
		zap.Int("sessions", sessions),
	)
	return s, nil
}

func sessionOptions(cfg config.ModelConfig) (*ort.SessionOptions, error) {
	if cfg.IntraOpThreads <= 0 {
		return nil, nil
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	return options, nil
}

func newSlot(modelPath string, metadata Metadata, options *ort.SessionOptions) (*slot, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &slot{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict runs one forward pass and returns the malignancy probability.
// It blocks until a session is free or ctx is done.
func (s *Server) Predict(ctx context.Context, input *preprocess.Tensor) (float32, error) {
	if err := CheckShape(input, s.Metadata.InputShape); err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindInference, "inference rejected")
	}

	var sl *slot
	select {
	case sl = <-s.slots:
	case <-ctx.Done():
		return 0, apperrors.Wrap(ctx.Err(), apperrors.KindInference, "waiting for session")
	}
	defer func() { s.slots <- sl }()

	start := time.Now()
	copy(sl.inputTensor.GetData(), input.Data)

	if err := sl.session.Run(); err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindInference, "inference failed")
	}

	outputData := sl.outputTensor.GetData()
	if len(outputData) == 0 {
		return 0, apperrors.New(apperrors.KindInference, "inference produced no output")
	}

	s.logger.Debug("forward pass complete", zap.Duration("elapsed", time.Since(start)))
	return outputData[0], nil
}

// CheckShape verifies a tensor against the graph's declared input shape.
func CheckShape(input *preprocess.Tensor, want []int64) error {
	if input == nil {
		return fmt.Errorf("nil input tensor")
	}
	if len(input.Shape) != len(want) {
		return fmt.Errorf("expected input shape %v, got %v", want, input.Shape)
	}
	for i := range want {
		if input.Shape[i] != want[i] {
			return fmt.Errorf("expected input shape %v, got %v", want, input.Shape)
		}
	}
	if len(input.Data) != volume(want) {
		return fmt.Errorf("expected %d values, got %d", volume(want), len(input.Data))
	}
	return nil
}

// Close releases every session. It must not race with Predict.
func (s *Server) Close() {
	for _, sl := range s.all {
		sl.destroy()
	}
	s.all = nil
	ort.DestroyEnvironment()
}
