package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/thyroid-api/internal/apperrors"
)

const (
	DefaultImageSize = 224
	Channels         = 3

	// DefaultMaxPixels is the decompression bomb threshold, checked against the header before decoding.
	DefaultMaxPixels = 89478485
)

// Tensor is a dense NHWC float32 array.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Preprocessor turns encoded image bytes into the model's input tensor.
type Preprocessor struct {
	size      uint
	maxPixels int64
}

type Option func(*Preprocessor)

// WithMaxPixels bounds width*height of accepted images. Non-positive values keep the default.
func WithMaxPixels(n int64) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

func New(size int, opts ...Option) *Preprocessor {
	if size <= 0 {
		size = DefaultImageSize
	}
	p := &Preprocessor{size: uint(size), maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size is the square edge length images are resized to.
func (p *Preprocessor) Size() int {
	return int(p.size)
}

// Process sniffs and decodes data, converts it to RGB, resizes it with Lanczos3 and
// scales every channel into [0,1]. The result has shape (1, size, size, 3).
// Every failure is reported as apperrors.KindInvalidImage.
func (p *Preprocessor) Process(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidImage, "image preprocessing failed: no data")
	}

	img, err := p.Decode(data)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInvalidImage, "image preprocessing failed")
	}

	rgb := toRGB(img)
	resized := resize.Resize(p.size, p.size, rgb, resize.Lanczos3)

	return toTensor(resized, int(p.size)), nil
}

// Decode rejects non-image content and oversized headers before decoding any pixels.
func (p *Preprocessor) Decode(data []byte) (image.Image, error) {
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("unsupported content type %s", mtype.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot decode %s content: %w", mtype.String(), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		return nil, fmt.Errorf("image size %dx%d (%d pixels) exceeds limit of %d pixels",
			cfg.Width, cfg.Height, pixels, p.maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot decode %s content: %w", mtype.String(), err)
	}
	return img, nil
}

// DetectContentType sniffs the MIME type of an upload.
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// toRGB flattens any colour model onto opaque 8-bit RGB. Alpha is dropped, not
// composited, so a transparent pixel keeps its stored colour.
func toRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, c)
		}
	}
	return out
}

func toTensor(img image.Image, size int) *Tensor {
	data := make([]float32, size*size*Channels)
	bounds := img.Bounds()

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			i := (y*size + x) * Channels
			data[i] = float32(c.R) / 255.0
			data[i+1] = float32(c.G) / 255.0
			data[i+2] = float32(c.B) / 255.0
		}
	}

	return &Tensor{
		Shape: []int64{1, int64(size), int64(size), Channels},
		Data:  data,
	}
}
