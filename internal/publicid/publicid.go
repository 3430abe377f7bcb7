// Package publicid generates the short identifiers printed on QR tickets and
// used in public status URLs. They carry no information about the internal id
// or the token number.
package publicid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Length is the number of URL-safe characters in an id (72 random bits).
const Length = 12

var reader io.Reader = rand.Reader

func New() (string, error) {
	buf := make([]byte, Length*6/8)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Valid reports whether value has the shape of a generated id.
func Valid(value string) bool {
	if len(value) != Length {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
