// Package stats holds the in-memory aggregators used while scraping: per-game
// viewer buckets and the per-run action timer.
package stats

import (
	"math"
	"sort"
	"time"
)

// Bucket accumulates integer observations (viewer counts) for one entity.
// Zero values are counted separately and excluded from every other statistic.
type Bucket struct {
	ID              int64
	DateInitialized time.Time

	numZero int
	items   []int
}

// BucketStats is a point-in-time summary of a Bucket.
type BucketStats struct {
	NumItems int     `json:"num_items"`
	NumZero  int     `json:"num_zero"`
	Total    int     `json:"total"`
	Min      int     `json:"min"`
	Max      int     `json:"max"`
	Median   int     `json:"median"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
}

// NewBucket returns an empty bucket stamped with now.
func NewBucket(id int64, now time.Time) *Bucket {
	return &Bucket{ID: id, DateInitialized: now.UTC()}
}

// Add records one observation.
func (b *Bucket) Add(v int) {
	if v == 0 {
		b.numZero++
		return
	}
	b.items = append(b.items, v)
}

// Reset drops every observation and re-stamps the bucket.
func (b *Bucket) Reset(now time.Time) {
	b.items = b.items[:0]
	b.numZero = 0
	b.DateInitialized = now.UTC()
}

// Len reports the number of non-zero observations.
func (b *Bucket) Len() int { return len(b.items) }

// Stats computes the summary. With no non-zero observations Min and Max are 0.
// Median is the element at index n/2 of the ascending order, so even-sized
// samples report the upper middle value. StdDev uses the n-1 denominator.
func (b *Bucket) Stats() BucketStats {
	s := BucketStats{NumItems: len(b.items), NumZero: b.numZero}
	if len(b.items) == 0 {
		return s
	}
	sorted := make([]int, len(b.items))
	copy(sorted, b.items)
	sort.Ints(sorted)

	for _, v := range sorted {
		s.Total += v
	}
	n := len(sorted)
	s.Min = sorted[0]
	s.Max = sorted[n-1]
	s.Median = sorted[n/2]
	mean := float64(s.Total) / float64(n)
	s.Mean = round2(mean)
	if n > 1 {
		var sq float64
		for _, v := range sorted {
			d := float64(v) - mean
			sq += d * d
		}
		s.StdDev = round2(math.Sqrt(sq / float64(n-1)))
	}
	return s
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
