package prune

import (
	"slices"
	"strings"
	"time"

	"github.com/meigma/imagecache/driver"
)

// Policy selects cached entries for eviction.
//
// Select receives the entries not yet selected by earlier policies and
// returns the ids it wants removed.
type Policy interface {
	Select(now time.Time, entries []driver.Entry) []string
}

// PolicyFunc adapts a function to a Policy.
type PolicyFunc func(now time.Time, entries []driver.Entry) []string

// Select implements Policy.
func (f PolicyFunc) Select(now time.Time, entries []driver.Entry) []string {
	return f(now, entries)
}

// MaxSize evicts least recently accessed entries until the total cached
// size is at most maxBytes.
func MaxSize(maxBytes int64) Policy {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return PolicyFunc(func(_ time.Time, entries []driver.Entry) []string {
		var total int64
		for _, e := range entries {
			total += e.Size
		}
		if total <= maxBytes {
			return nil
		}

		lru := slices.Clone(entries)
		slices.SortFunc(lru, func(a, b driver.Entry) int {
			if c := a.LastAccessedAt.Compare(b.LastAccessedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})

		var ids []string
		for _, e := range lru {
			if total <= maxBytes {
				break
			}
			ids = append(ids, e.ID)
			total -= e.Size
		}
		return ids
	})
}

// MaxIdle evicts entries not accessed within d.
func MaxIdle(d time.Duration) Policy {
	return PolicyFunc(func(now time.Time, entries []driver.Entry) []string {
		cutoff := now.Add(-d)
		var ids []string
		for _, e := range entries {
			if e.LastAccessedAt.Before(cutoff) {
				ids = append(ids, e.ID)
			}
		}
		return ids
	})
}

// MinHits evicts entries older than grace that have been served fewer than
// n times.
func MinHits(n int64, grace time.Duration) Policy {
	return PolicyFunc(func(now time.Time, entries []driver.Entry) []string {
		cutoff := now.Add(-grace)
		var ids []string
		for _, e := range entries {
			if e.Hits < n && e.CreatedAt.Before(cutoff) {
				ids = append(ids, e.ID)
			}
		}
		return ids
	})
}
