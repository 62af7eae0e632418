package face

// Result is the outcome of matching one descriptor
type Result struct {
	Recognized bool
	Name       string
	Confidence float64
	Distance   float64
}

// Matcher compares descriptors against a gallery
type Matcher struct {
	gallery   *Gallery
	threshold float64
}

// NewMatcher creates a matcher. A non-positive threshold selects
// DefaultThreshold.
func NewMatcher(gallery *Gallery, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{gallery: gallery, threshold: threshold}
}

// Threshold returns the confidence a match must exceed
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match finds the nearest known face. The result is recognised only when
// its confidence is strictly above the threshold.
func (m *Matcher) Match(d Descriptor) (Result, error) {
	entry, dist, ok := m.gallery.Nearest(d)
	if !ok {
		return Result{}, ErrNoEncodings
	}

	confidence := 1 - dist
	res := Result{Confidence: confidence, Distance: dist}
	if confidence > m.threshold {
		res.Recognized = true
		res.Name = entry.Name
	}
	return res, nil
}
