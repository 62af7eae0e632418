package face

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SourceFunc returns every enrolled face
type SourceFunc func(ctx context.Context) ([]Entry, error)

// Loader fills a gallery from a source
type Loader struct {
	// mu serialises reloads so an older read never replaces a newer one
	mu      sync.Mutex
	gallery *Gallery
	source  SourceFunc
	logger  *logrus.Logger
}

// NewLoader creates a loader
func NewLoader(gallery *Gallery, source SourceFunc, logger *logrus.Logger) *Loader {
	return &Loader{gallery: gallery, source: source, logger: logger}
}

// Reload replaces the gallery with the current contents of the source and
// returns the number of descriptors loaded. Entries with malformed
// descriptors are skipped. On error the gallery is left untouched.
func (l *Loader) Reload(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.source(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load face encodings: %w", err)
	}

	valid := entries[:0:0]
	for _, e := range entries {
		if err := e.Descriptor.Validate(); err != nil {
			l.logger.WithField("user", e.Name).Warnf("Skipping face encoding: %v", err)
			continue
		}
		valid = append(valid, e)
	}

	l.gallery.Replace(valid)

	if len(valid) == 0 {
		l.logger.Warn("No face encodings found")
		return 0, nil
	}

	l.logger.Infof("Loaded %d face encodings for %d people", len(valid), len(l.gallery.DistinctNames()))
	return len(valid), nil
}

// StartRefresh reloads the gallery every interval until ctx is done
func (l *Loader) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.Reload(ctx); err != nil {
					l.logger.Errorf("Face gallery refresh failed: %v", err)
				}
			}
		}
	}()
}
