// Package identity implements the fabric's 160-bit peer identifier: a
// 40-character lowercase hex string, the XOR-nibble distance used to order
// candidates for overlay neighbor selection, and validation.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
)

// Length is the fixed length of a peer id in hex characters (20 bytes).
const Length = 40

// New generates a fresh random peer id.
func New() (string, error) {
	b := make([]byte, Length/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating peer id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Validate reports whether s is a well-formed peer id: exactly 40 hex
// characters, any other form is rejected.
func Validate(s string) error {
	if len(s) != Length {
		return fmt.Errorf("peer id must be %d hex characters, got %d", Length, len(s))
	}
	for i := 0; i < len(s); i++ {
		if hexNibble(s[i]) < 0 {
			return fmt.Errorf("peer id contains non-hex character %q", s[i])
		}
	}
	return nil
}

// XORDistance sums the nibble-XOR of the two 40-nibble strings. This is a
// deliberate non-standard ordering preserved from the source design (see
// spec's design notes) — it is used only to rank "closeness" for overlay
// neighbor selection, never as a DHT key metric.
func XORDistance(a, b string) (int, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	dist := 0
	for i := 0; i < Length; i++ {
		dist += int(hexNibble(a[i]) ^ hexNibble(b[i]))
	}
	return dist, nil
}

// Closest returns up to k of candidates ordered by ascending XOR distance
// to target, breaking ties lexicographically. Candidates that fail
// validation are skipped rather than erroring the whole call.
func Closest(target string, candidates []string, k int) []string {
	type scored struct {
		id   string
		dist int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		d, err := XORDistance(target, c)
		if err != nil {
			continue
		}
		ranked = append(ranked, scored{c, d})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].id < ranked[j].id
	})
	if k < 0 || k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].id
	}
	return out
}

func hexNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}
