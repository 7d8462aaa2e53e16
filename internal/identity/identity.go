// Package identity computes the stable project identifier used to key
// on-disk storage, the project store LRU, and the context cache
// (spec.md §3 "project_hash").
package identity

import (
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// ProjectHash returns the 16-lowercase-hex xxhash64 digest of root's
// canonicalized absolute path. Canonicalization (Abs + Clean, symlinks
// resolved by the caller via filepath.EvalSymlinks before calling this)
// ensures two different spellings of the same project directory hash
// identically, matching spec.md §3's stability requirement.
func ProjectHash(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("identity: resolve %s: %w", root, err)
	}
	clean := filepath.Clean(abs)
	sum := xxhash.Sum64String(clean)
	return fmt.Sprintf("%016x", sum), nil
}

// MustProjectHash is ProjectHash for callers that already validated root
// (e.g. after a successful os.Stat), panicking only on the effectively
// unreachable filepath.Abs failure.
func MustProjectHash(root string) string {
	hash, err := ProjectHash(root)
	if err != nil {
		panic(err)
	}
	return hash
}
