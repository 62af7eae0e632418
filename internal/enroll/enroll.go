// Package enroll turns portrait images into stored face encodings.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ao/doorlock/internal/face"
	"github.com/ao/doorlock/internal/imaging"
	"github.com/ao/doorlock/internal/store"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Report summarises a dataset import
type Report struct {
	People  int      `json:"people"`
	Images  int      `json:"images"`
	Saved   int      `json:"saved"`
	Skipped []string `json:"skipped,omitempty"`
}

// Importer encodes faces and saves them to the store
type Importer struct {
	store   store.Store
	encoder face.Encoder
	logger  *logrus.Logger
}

// NewImporter creates an importer
func NewImporter(st store.Store, encoder face.Encoder, logger *logrus.Logger) *Importer {
	return &Importer{store: st, encoder: encoder, logger: logger}
}

// EnrollFrame encodes the first face in frame and stores it under name.
// It returns the stored encoding id, or face.ErrNoFace.
func (i *Importer) EnrollFrame(ctx context.Context, name string, frame *imaging.Frame, imageName string) (string, error) {
	jpeg, err := frame.JPEG()
	if err != nil {
		return "", err
	}

	descriptor, err := face.EncodeFirst(ctx, i.encoder, jpeg)
	if err != nil {
		return "", err
	}

	id, err := i.store.SaveFaceEncoding(ctx, name, descriptor, imageName)
	if err != nil {
		return "", err
	}

	i.logger.WithFields(logrus.Fields{
		"user":  name,
		"image": imageName,
	}).Info("Face encoding saved")
	return id, nil
}

// ImportDir imports a dataset laid out as root/<person>/<image>. Only
// .jpg, .jpeg and .png files are read; images without a face are skipped.
func (i *Importer) ImportDir(ctx context.Context, root string) (Report, error) {
	var report Report

	people, err := os.ReadDir(root)
	if err != nil {
		return report, fmt.Errorf("failed to read dataset %s: %w", root, err)
	}

	for _, person := range people {
		if !person.IsDir() {
			continue
		}
		report.People++

		dir := filepath.Join(root, person.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return report, fmt.Errorf("failed to read %s: %w", dir, err)
		}
		sort.Slice(files, func(a, b int) bool { return files[a].Name() < files[b].Name() })

		for _, f := range files {
			if f.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Images++

			path := filepath.Join(dir, f.Name())
			if err := i.importFile(ctx, person.Name(), path); err != nil {
				if errors.Is(err, face.ErrNoFace) || errors.Is(err, imaging.ErrInvalidImage) {
					i.logger.Warnf("Skipping %s: %v", path, err)
					report.Skipped = append(report.Skipped, path)
					continue
				}
				return report, fmt.Errorf("failed to import %s: %w", path, err)
			}
			report.Saved++
		}
	}

	return report, nil
}

func (i *Importer) importFile(ctx context.Context, name, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	frame, err := imaging.DecodeBytes(raw)
	if err != nil {
		return err
	}

	_, err = i.EnrollFrame(ctx, name, frame, filepath.Base(path))
	return err
}
