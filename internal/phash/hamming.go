// Package phash matches perceptual image hashes against moderator-curated
// reference hashes.
package phash

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/iamwavecut/ngmod/internal/db"
)

var (
	ErrLengthMismatch = errors.New("hash length mismatch")
	ErrInvalidHash    = errors.New("invalid hash")
)

// HammingDistance counts differing bits between two equal-length hex hashes.
func HammingDistance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(a), len(b))
	}
	if a == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	distance := 0
	for i := 0; i < len(a); i++ {
		x, ok := hexNibble(a[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q at %d", ErrInvalidHash, a[i], i)
		}
		y, ok := hexNibble(b[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q at %d", ErrInvalidHash, b[i], i)
		}
		distance += bits.OnesCount8(x ^ y)
	}
	return distance, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// ValidHash reports whether s is a non-empty hex string.
func ValidHash(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := hexNibble(s[i]); !ok {
			return false
		}
	}
	return true
}

// Normalize lowercases and trims a hash for storage.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type Candidate struct {
	Hash     *db.ReferenceHash
	Distance int
}

// FindNearestMatch returns the candidate closest to target within
// maxDistance, breaking ties by the lowest id. Candidates of a different
// length or with malformed hashes are skipped.
func FindNearestMatch(target string, candidates []*db.ReferenceHash, maxDistance int) *Candidate {
	var best *Candidate
	for _, c := range candidates {
		if c == nil {
			continue
		}
		d, err := HammingDistance(target, c.Hash)
		if err != nil || d > maxDistance {
			continue
		}
		if best == nil || d < best.Distance || (d == best.Distance && c.ID < best.Hash.ID) {
			best = &Candidate{Hash: c, Distance: d}
		}
	}
	return best
}
