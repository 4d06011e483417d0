// Package retention decides which avatar history records survive an upload.
//
// A user's history holds at most one original record plus the Keep most
// recent non-original records. Everything else is the purge set.
package retention

import (
	"sort"

	"github.com/platinummonkey/portrait/pkg/model"
)

// DefaultKeep is the number of non-original records retained per user
const DefaultKeep = 5

// Policy bounds the history kept for one user
type Policy struct {
	Keep int
}

// NewPolicy returns a Policy keeping keep records, or DefaultKeep when keep <= 0
func NewPolicy(keep int) Policy {
	return Policy{Keep: keep}
}

func (p Policy) keep() int {
	if p.Keep <= 0 {
		return DefaultKeep
	}
	return p.Keep
}

// PurgeSet returns the non-original records that fall outside the retained
// window, oldest first. The original record is never included.
func (p Policy) PurgeSet(records []model.HistoryRecord) []model.HistoryRecord {
	_, purge := p.split(records)
	// split yields newest first; callers delete oldest first
	for i, j := 0, len(purge)-1; i < j; i, j = i+1, j-1 {
		purge[i], purge[j] = purge[j], purge[i]
	}
	return purge
}

// Retained returns the records that survive, newest first, including the
// original when present
func (p Policy) Retained(records []model.HistoryRecord) []model.HistoryRecord {
	kept, _ := p.split(records)
	return kept
}

func (p Policy) split(records []model.HistoryRecord) (kept, purge []model.HistoryRecord) {
	sorted := make([]model.HistoryRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].NewerThan(sorted[j])
	})

	limit := p.keep()
	nonOriginal := 0
	for _, r := range sorted {
		if r.IsOriginal {
			kept = append(kept, r)
			continue
		}
		nonOriginal++
		if nonOriginal <= limit {
			kept = append(kept, r)
		} else {
			purge = append(purge, r)
		}
	}
	return kept, purge
}
