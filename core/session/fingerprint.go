package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// canonicalContent is the fingerprinted record. Field order is part of the digest.
type canonicalContent struct {
	VideoURL        string   `json:"video_url"`
	DurationSeconds *float64 `json:"duration_seconds"`
	SpeechRatio     *float64 `json:"speech_ratio"`
	AudioEnergy     *float64 `json:"audio_energy"`
}

func finite(f *float64) *float64 {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return nil
	}
	v := *f
	return &v
}

// Fingerprint returns the hex SHA-256 digest of the trimmed locator and the numeric upload metadata.
// Missing (or non finite) values are encoded as null.
func Fingerprint(locator string, md Metadata) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // query strings keep their '&'
	err := enc.Encode(canonicalContent{
		VideoURL:        strings.TrimSpace(locator),
		DurationSeconds: finite(md.DurationSeconds),
		SpeechRatio:     finite(md.SpeechRatio),
		AudioEnergy:     finite(md.AudioEnergy),
	})
	if err != nil { // unreachable: only strings and finite floats
		panic(err)
	}
	return FingerprintBytes(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// FingerprintBytes returns the hex SHA-256 digest of raw content.
func FingerprintBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FingerprintReader returns the hex SHA-256 digest of everything read from r.
func FingerprintReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "session.FingerprintReader")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
