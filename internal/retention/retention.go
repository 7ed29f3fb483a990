// Package retention decides which backups survive a grandfather-father-son policy.
package retention

import (
	"fmt"
	"sort"
	"time"
)

// Policy counts how many daily, weekly and monthly backups to keep.
// MaxAgeDays, when positive, drops anything older regardless of bucket.
type Policy struct {
	Daily      int
	Weekly     int
	Monthly    int
	MaxAgeDays int
}

// DefaultPolicy keeps 7 daily, 4 weekly and 3 monthly backups.
func DefaultPolicy() Policy {
	return Policy{Daily: 7, Weekly: 4, Monthly: 3}
}

// Candidate is the subset of a backup retention needs.
type Candidate struct {
	CreatedAt time.Time
	ParentID  *int64
	ID        int64
}

// Keep returns the IDs to retain. Parents of kept backups are always retained
// so incremental chains stay restorable.
func Keep(backups []Candidate, p Policy, now time.Time) map[int64]bool {
	sorted := make([]Candidate, len(backups))
	copy(sorted, backups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	var eligible []Candidate
	for _, b := range sorted {
		if p.MaxAgeDays > 0 && b.CreatedAt.Before(now.AddDate(0, 0, -p.MaxAgeDays)) {
			continue
		}
		eligible = append(eligible, b)
	}

	keep := make(map[int64]bool)

	dailyCutoff := now.AddDate(0, 0, -30)
	taken := 0
	for _, b := range eligible {
		if taken >= p.Daily {
			break
		}
		if b.CreatedAt.After(dailyCutoff) {
			keep[b.ID] = true
			taken++
		}
	}

	weeklyCutoff := now.AddDate(0, 0, -7*12)
	var weekly []Candidate
	for _, b := range eligible {
		if b.CreatedAt.After(weeklyCutoff) {
			weekly = append(weekly, b)
		}
	}
	markNewestPerBucket(keep, weekly, p.Weekly, func(t time.Time) string {
		y, w := t.ISOWeek()
		return fmt.Sprintf("%d-%02d", y, w)
	})

	markNewestPerBucket(keep, eligible, p.Monthly, func(t time.Time) string {
		return t.Format("2006-01")
	})

	byID := make(map[int64]Candidate, len(sorted))
	for _, b := range sorted {
		byID[b.ID] = b
	}
	for id := range keep {
		for parent := byID[id].ParentID; parent != nil; {
			if keep[*parent] {
				break
			}
			keep[*parent] = true
			parent = byID[*parent].ParentID
		}
	}

	return keep
}

// Prune returns the IDs not kept, newest first.
func Prune(backups []Candidate, p Policy, now time.Time) []int64 {
	keep := Keep(backups, p, now)
	var out []Candidate
	for _, b := range backups {
		if !keep[b.ID] {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	ids := make([]int64, len(out))
	for i, b := range out {
		ids[i] = b.ID
	}
	return ids
}

// markNewestPerBucket keeps the newest backup of each of the n newest buckets.
// backups must be sorted newest first.
func markNewestPerBucket(keep map[int64]bool, backups []Candidate, n int, bucket func(time.Time) string) {
	seen := make(map[string]bool)
	for _, b := range backups {
		if len(seen) >= n {
			return
		}
		key := bucket(b.CreatedAt)
		if seen[key] {
			continue
		}
		seen[key] = true
		keep[b.ID] = true
	}
}
