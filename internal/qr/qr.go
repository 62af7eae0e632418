// Package qr reads QR codes from camera frames and checks them against the
// configured door secret.
package qr

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"image"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/ao/doorlock/internal/imaging"
)

// ErrNotFound is returned when no readable QR code is present in the image
var ErrNotFound = errors.New("no qr code found")

var decodeHints = map[gozxing.DecodeHintType]interface{}{
	gozxing.DecodeHintType_TRY_HARDER: true,
}

// Decode returns the text of the first QR code found in img
func Decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(imaging.Gray(img))
	if err != nil {
		return "", ErrNotFound
	}

	result, err := qrcode.NewQRCodeReader().Decode(bmp, decodeHints)
	if err != nil || result == nil {
		return "", ErrNotFound
	}

	text := result.GetText()
	if text == "" {
		return "", ErrNotFound
	}
	return text, nil
}

// HashSecret returns the sha256 hex digest of a QR payload, the form
// expected in QR_HASH
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Validator checks decoded QR payloads against the configured hash.
// The hash may hold either the raw payload or its sha256 hex digest.
type Validator struct {
	hash string
}

// NewValidator creates a validator for the given hash
func NewValidator(hash string) *Validator {
	return &Validator{hash: strings.TrimSpace(hash)}
}

// Validate reports whether data opens the door
func (v *Validator) Validate(data string) bool {
	if data == "" || v.hash == "" {
		return false
	}

	if equal(data, v.hash) {
		return true
	}
	return equal(HashSecret(data), strings.ToLower(v.hash))
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
