// Package broadcast holds pure domain logic for recipient handling: key
// normalization, deduplication, and batch partitioning.
package broadcast

import (
	"strings"

	"github.com/membermail/membermail/internal/domain/model"
)

// NormalizeKey canonicalizes a recipient key so duplicates collapse
// predictably: whitespace trimmed, emails and platform ids lowercased.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// DedupeResult carries the unique targets plus the duplicates that were
// dropped, so the caller can record skipped_duplicate outcomes.
type DedupeResult struct {
	Unique     []model.RecipientTarget
	Duplicates []model.RecipientTarget
}

// Dedupe collapses raw recipients by normalized key, preserving first-seen
// order. Order stability matters: checkpoint indices are positions in this
// sequence, and the same input must always yield the same sequence.
func Dedupe(raw []model.RecipientTarget) DedupeResult {
	res := DedupeResult{
		Unique: make([]model.RecipientTarget, 0, len(raw)),
	}
	seen := make(map[string]struct{}, len(raw))

	for _, r := range raw {
		key := NormalizeKey(r.Key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			res.Duplicates = append(res.Duplicates, model.RecipientTarget{Key: key, Fields: r.Fields})
			continue
		}
		seen[key] = struct{}{}
		res.Unique = append(res.Unique, model.RecipientTarget{Key: key, Fields: r.Fields})
	}
	return res
}

// Batches partitions recipients[from:] into fixed-size batches. The returned
// slices alias the input; they exist only for one pacing cycle.
func Batches(recipients []model.RecipientTarget, from, size int) [][]model.RecipientTarget {
	if size < 1 {
		size = 1
	}
	if from < 0 {
		from = 0
	}
	if from >= len(recipients) {
		return nil
	}

	rest := recipients[from:]
	out := make([][]model.RecipientTarget, 0, (len(rest)+size-1)/size)
	for len(rest) > 0 {
		n := size
		if n > len(rest) {
			n = len(rest)
		}
		out = append(out, rest[:n])
		rest = rest[n:]
	}
	return out
}
