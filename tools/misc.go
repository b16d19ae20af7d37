package tools

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/modfin/henry/slicez"
)

// TokenBytes is the entropy of capability tokens, 256 bits.
const TokenBytes = 32

func DomainOfEmail(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return "", errors.New("no domain was present in email address")
	}
	return slicez.Nth(parts, -1), nil
}

func ValidEmail(address string) error {
	a, err := mail.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("%s is not a valid email address", address)
	}
	if _, err := DomainOfEmail(a.Address); err != nil {
		return err
	}
	return nil
}

// NewToken returns an unguessable url safe token.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("could not read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenEqual compares tokens in constant time. Empty tokens never match.
func TokenEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
