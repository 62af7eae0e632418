// Package imaging decodes camera frames uploaded by the door device.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strings"

	// Registered decoders
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned when a payload cannot be turned into an image
var ErrInvalidImage = errors.New("invalid image")

// JPEGQuality is used when a non-JPEG frame has to be re-encoded
const JPEGQuality = 95

// DefaultMaxPixels is the largest canvas (width*height) accepted by default
const DefaultMaxPixels = 4096 * 4096

// MaxPixels bounds the declared canvas of a frame before it is decoded.
// Zero or less disables the check.
var MaxPixels int64 = DefaultMaxPixels

// Frame is a decoded camera frame along with its original bytes
type Frame struct {
	Image  image.Image
	Format string
	Raw    []byte
}

// Decode decodes a base64 encoded image. A leading data URL header
// ("data:image/jpeg;base64,") is accepted.
func Decode(b64 string) (*Frame, error) {
	raw, err := decodeBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return DecodeBytes(raw)
}

// DecodeBytes decodes raw image bytes
func DecodeBytes(raw []byte) (*Frame, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if limit := MaxPixels; limit > 0 && int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, fmt.Errorf("%w: %s canvas %dx%d exceeds %d pixels", ErrInvalidImage, format, cfg.Width, cfg.Height, limit)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	return &Frame{Image: img, Format: format, Raw: raw}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, errors.New("malformed data url")
		}
		s = s[idx+1:]
	}
	if s == "" {
		return nil, errors.New("empty payload")
	}

	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// JPEG returns the frame as JPEG bytes, re-encoding when needed
func (f *Frame) JPEG() ([]byte, error) {
	if f.Format == "jpeg" && len(f.Raw) > 0 {
		return f.Raw, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Gray converts an image to 8-bit grayscale
func Gray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}

	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return gray
}

// Luma returns the grayscale value at (x, y)
func Luma(img image.Image, x, y int) uint8 {
	return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
}
