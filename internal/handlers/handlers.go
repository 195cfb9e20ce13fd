package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/thyroid-api/internal/apperrors"
	"github.com/Brownie44l1/thyroid-api/internal/logging"
	"github.com/Brownie44l1/thyroid-api/internal/metrics"
	"github.com/Brownie44l1/thyroid-api/internal/model"
	"github.com/Brownie44l1/thyroid-api/internal/preprocess"
)

const (
	FormField = "file"

	// RequestIDKey is the gin context key holding the request id.
	RequestIDKey = "request_id"
)

// Predictor runs the forward pass. *model.Server satisfies it.
type Predictor interface {
	Predict(ctx context.Context, input *preprocess.Tensor) (float32, error)
}

type Handler struct {
	predictor    Predictor
	preprocessor *preprocess.Preprocessor
	threshold    float64
	maxBytes     int64
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

type Options struct {
	Threshold float64
	MaxBytes  int64
	ImageSize int
	MaxPixels int64
}

func NewHandler(predictor Predictor, opts Options, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if opts.Threshold <= 0 {
		opts.Threshold = model.DefaultThreshold
	}
	return &Handler{
		predictor:    predictor,
		preprocessor: preprocess.New(opts.ImageSize, preprocess.WithMaxPixels(opts.MaxPixels)),
		threshold:    opts.Threshold,
		maxBytes:     opts.MaxBytes,
		metrics:      m,
		logger:       logger.Named("handlers"),
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func (h *Handler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/", h.Index)
	router.GET("/health", h.Health)
	router.POST("/predict", h.Predict)
}

func (h *Handler) Index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{"title": "Thyroid Cancer Detection"})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Predict(c *gin.Context) {
	log := logging.WithRequest(h.logger, "predict", c.GetString(RequestIDKey))

	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}

	header, err := c.FormFile(FormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, log, apperrors.Wrap(err, apperrors.KindUploadTooLarge,
				fmt.Sprintf("Upload exceeds %d bytes", h.maxBytes)), "")
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided. Use 'file' as the form field name"})
		return
	}

	contents, err := readUpload(header)
	if err != nil {
		h.fail(c, log, err, err.Error())
		return
	}

	log.Info("file received", zap.String("filename", header.Filename), zap.Int("size", len(contents)))

	if len(contents) == 0 {
		h.fail(c, log, apperrors.New(apperrors.KindEmptyUpload, "Empty file received"), "Empty file received")
		return
	}

	log.Debug("content sniffed", zap.String("content_type", preprocess.DetectContentType(contents)))

	input, err := h.preprocessor.Process(contents)
	if err != nil {
		log.Warn("image preprocessing error", zap.Error(err))
		h.fail(c, log, err, "Invalid image format: "+err.Error())
		return
	}
	log.Info("image preprocessed successfully", zap.Int64s("shape", input.Shape))

	start := time.Now()
	probability, err := h.predictor.Predict(c.Request.Context(), input)
	if h.metrics != nil {
		h.metrics.ObserveInference(time.Since(start))
	}
	if err != nil {
		h.fail(c, log, apperrors.Wrap(err, apperrors.KindInference, "Model prediction failed"),
			"Model prediction failed: "+err.Error())
		return
	}
	log.Info("prediction value", zap.Float32("probability", probability))

	result := model.Classify(probability, h.threshold)
	if h.metrics != nil {
		h.metrics.ObservePrediction(result.Label)
	}

	c.JSON(http.StatusOK, result)
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", header.Filename, err)
	}
	defer file.Close()

	contents, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", header.Filename, err)
	}
	return contents, nil
}

// fail logs err and writes {"error": message}; an empty message falls back to err's text.
func (h *Handler) fail(c *gin.Context, log *zap.Logger, err error, message string) {
	kind := apperrors.KindOf(err)
	status := apperrors.Status(err)
	if message == "" {
		message = err.Error()
	}

	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.ObserveFailure(string(kind))
	}

	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
