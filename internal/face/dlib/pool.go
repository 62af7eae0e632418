// Package dlib provides a face.Encoder backed by dlib through go-face.
//
// A go-face recognizer holds native dlib state and must not be used by two
// goroutines at once, so the pool hands out whole recognizers.
package dlib

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goface "github.com/Kagami/go-face"
	"github.com/sirupsen/logrus"

	"github.com/ao/doorlock/internal/face"
)

// ErrClosed is returned by Encode after Close
var ErrClosed = errors.New("encoder pool closed")

// Pool is a fixed set of dlib recognizers
type Pool struct {
	recognizers chan *goface.Recognizer
	all         []*goface.Recognizer
	logger      *logrus.Logger
	closeOnce   sync.Once
	done        chan struct{}
}

// NewPool loads size recognizers from modelsDir. The directory must contain
// shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat
// and mmod_human_face_detector.dat.
func NewPool(modelsDir string, size int, logger *logrus.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}

	p := &Pool{
		recognizers: make(chan *goface.Recognizer, size),
		logger:      logger,
		done:        make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		rec, err := goface.NewRecognizer(modelsDir)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("failed to load dlib models from %s: %w", modelsDir, err)
		}
		p.all = append(p.all, rec)
		p.recognizers <- rec
	}

	logger.Infof("Loaded %d dlib face recognizers from %s", size, modelsDir)
	return p, nil
}

// Encode runs HOG face detection and returns one descriptor per face
func (p *Pool) Encode(ctx context.Context, jpeg []byte) ([]face.Descriptor, error) {
	var rec *goface.Recognizer
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	case rec = <-p.recognizers:
	}
	defer func() { p.recognizers <- rec }()

	faces, err := rec.Recognize(jpeg)
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}

	descriptors := make([]face.Descriptor, 0, len(faces))
	for _, f := range faces {
		descriptors = append(descriptors, convert(f.Descriptor))
	}

	p.logger.Debugf("dlib detected %d faces", len(descriptors))
	return descriptors, nil
}

// Close releases all recognizers once no call is using them
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		for range p.all {
			<-p.recognizers
		}
		p.closeAll()
	})
	return nil
}

func (p *Pool) closeAll() {
	for _, rec := range p.all {
		rec.Close()
	}
}

func convert(d goface.Descriptor) face.Descriptor {
	out := make(face.Descriptor, len(d))
	for i, v := range d {
		out[i] = float64(v)
	}
	return out
}
