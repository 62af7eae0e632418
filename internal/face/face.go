// Package face matches face descriptors against the enrolled gallery.
//
// Descriptors are 128-dimensional embeddings produced by dlib's ResNet face
// model. Two descriptors belong to the same person when their euclidean
// distance is small; the matcher reports 1 - distance as the confidence.
package face

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// DescriptorSize is the length of a dlib face descriptor
const DescriptorSize = 128

// DefaultThreshold is the minimum confidence for a positive match
const DefaultThreshold = 0.5

var (
	// ErrNoFace is returned when no face is detected in an image
	ErrNoFace = errors.New("no face detected")

	// ErrNoEncodings is returned when the gallery holds no known faces
	ErrNoEncodings = errors.New("no face encodings loaded")
)

// Descriptor is a face embedding
type Descriptor []float64

// Distance returns the euclidean distance between two descriptors.
// Descriptors of different length are infinitely far apart.
func Distance(a, b Descriptor) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}

	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Validate checks that the descriptor has the expected shape
func (d Descriptor) Validate() error {
	if len(d) != DescriptorSize {
		return fmt.Errorf("descriptor has %d values, want %d", len(d), DescriptorSize)
	}
	for i, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("descriptor value %d is not finite", i)
		}
	}
	return nil
}

// Encoder detects faces in a JPEG image and returns one descriptor per
// detected face, in detection order
type Encoder interface {
	Encode(ctx context.Context, jpeg []byte) ([]Descriptor, error)
	Close() error
}

// EncodeFirst returns the descriptor of the first face found by enc
func EncodeFirst(ctx context.Context, enc Encoder, jpeg []byte) (Descriptor, error) {
	descriptors, err := enc.Encode(ctx, jpeg)
	if err != nil {
		return nil, err
	}
	if len(descriptors) == 0 {
		return nil, ErrNoFace
	}
	return descriptors[0], nil
}

// FormatConfidence renders a confidence in [0,1] the way the door device
// expects it, e.g. "87.3%"
func FormatConfidence(c float64) string {
	return fmt.Sprintf("%.1f%%", c*100)
}
