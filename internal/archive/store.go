// Package archive keeps completed calibration records so a session can be
// restored after a restart or audited later.
package archive

import (
	"context"
	"errors"
	"sort"
	"time"

	"polyfield-edm/internal/calibration"
)

// KeepPerDay is how many records of one circle type survive per UTC day.
const KeepPerDay = 2

const dayLayout = "2006-01-02"

var ErrNotFound = errors.New("no archived calibration")

// Store persists calibration records.
type Store interface {
	Save(ctx context.Context, rec calibration.Record) error
	// List returns the records created on the UTC day containing day,
	// oldest first.
	List(ctx context.Context, day time.Time) ([]calibration.Record, error)
	// Latest returns the most recent record for a circle type.
	Latest(ctx context.Context, circle calibration.CircleType) (calibration.Record, error)
}

// DayKey names the UTC day a record belongs to.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// Retain drops all but the keep most recent records of each circle type
// and day. The result is ordered oldest first.
func Retain(recs []calibration.Record, keep int) []calibration.Record {
	sorted := make([]calibration.Record, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	seen := make(map[string]int)
	out := make([]calibration.Record, 0, len(sorted))
	for _, rec := range sorted {
		k := DayKey(rec.CreatedAt) + "/" + string(rec.CircleType)
		if seen[k] >= keep {
			continue
		}
		seen[k]++
		out = append(out, rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
