package ids

import (
	"crypto/rand"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	SlugLength   = 10
	slugAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

var (
	ulidRegex = regexp.MustCompile(`(?i)^[0-9A-HJKMNP-TV-Z]{26}$`)
	slugRegex = regexp.MustCompile(`^[0-9A-Za-z]{10}$`)

	ErrInvalidULID = errors.New("invalid ULID")
	ErrInvalidUUID = errors.New("invalid UUID")
	ErrInvalidSlug = errors.New("invalid share slug")
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID generates a new ULID string. IDs minted in the same millisecond
// sort in creation order.
func NewULID() (string, error) {
	return newULIDAt(time.Now())
}

func newULIDAt(t time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IsULID returns true when value is a valid ULID (case-insensitive Crockford Base32).
func IsULID(value string) bool {
	return ulidRegex.MatchString(strings.TrimSpace(value))
}

func ValidateULID(value string) error {
	if !IsULID(value) {
		return ErrInvalidULID
	}
	return nil
}

// NormalizeULID upper-cases a ULID after validating it.
func NormalizeULID(value string) (string, error) {
	value = strings.TrimSpace(value)
	if !IsULID(value) {
		return "", ErrInvalidULID
	}
	return strings.ToUpper(value), nil
}

func NewUUID() string {
	return uuid.NewString()
}

func ValidateUUID(value string) error {
	if _, err := uuid.Parse(value); err != nil {
		return ErrInvalidUUID
	}
	return nil
}

// NewSlug returns a random base62 share slug. Bytes at or above the largest
// multiple of 62 are discarded so every symbol is equally likely.
func NewSlug() (string, error) {
	const maxByte = 256 - (256 % len(slugAlphabet))

	out := make([]byte, 0, SlugLength)
	buf := make([]byte, SlugLength*2)
	for len(out) < SlugLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, slugAlphabet[int(b)%len(slugAlphabet)])
			if len(out) == SlugLength {
				break
			}
		}
	}
	return string(out), nil
}

func ValidateSlug(value string) error {
	if !slugRegex.MatchString(value) {
		return ErrInvalidSlug
	}
	return nil
}
