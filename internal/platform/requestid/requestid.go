// Package requestid generates the ids carried in X-Request-Id headers.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-char hex id. These ids only correlate log lines within
// one request; they are never persisted, so uuid stays out of this package.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
