// Package layout places one resource column's appointments on screen, staggering overlaps so
// every appointment stays visible.
package layout

import (
	"sort"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
)

type Item struct {
	ID    string
	Range interval.Range
}

type Options struct {
	PixelsPerMinute float64
	ColumnWidth     float64
	// OffsetUnit is the horizontal step between staggered items; zero means one full lane.
	OffsetUnit float64
	// Origin is the clock drawn at top = 0.
	Origin interval.Clock
}

type Rect struct {
	ID           string  `json:"id"`
	Top          float64 `json:"top"`
	Height       float64 `json:"height"`
	Left         float64 `json:"left"`
	Width        float64 `json:"width"`
	StaggerIndex int     `json:"stagger_index"`
	ClusterSize  int     `json:"cluster_size"`
}

// Compute returns one rectangle per item, in input order. A cluster is a connected component
// of the overlap graph; its N members, ordered by (start, end, id), take indices 0..N-1 and
// each gets 1/N of the column width.
func Compute(items []Item, opts Options) []Rect {
	out := make([]Rect, len(items))
	if len(items) == 0 {
		return out
	}

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		x, y := items[order[a]], items[order[b]]
		if x.Range.Start != y.Range.Start {
			return x.Range.Start < y.Range.Start
		}
		if x.Range.End != y.Range.End {
			return x.Range.End < y.Range.End
		}
		return x.ID < y.ID
	})

	// Sweep: a new cluster starts when an item begins at or after the furthest end seen so far.
	var cluster []int
	var reach interval.Clock
	flush := func() {
		place(out, items, cluster, opts)
		cluster = cluster[:0]
	}
	for _, idx := range order {
		r := items[idx].Range
		if len(cluster) > 0 && r.Start >= reach {
			flush()
		}
		if len(cluster) == 0 || r.End > reach {
			reach = r.End
		}
		cluster = append(cluster, idx)
	}
	flush()
	return out
}

func place(out []Rect, items []Item, cluster []int, opts Options) {
	n := len(cluster)
	width := opts.ColumnWidth / float64(n)
	step := width
	if opts.OffsetUnit > 0 && opts.OffsetUnit < width {
		step = opts.OffsetUnit
	}
	for i, idx := range cluster {
		it := items[idx]
		left := 0.0
		if n > 1 {
			left = float64(i) * step
		}
		out[idx] = Rect{
			ID:           it.ID,
			Top:          float64(it.Range.Start-opts.Origin) * opts.PixelsPerMinute,
			Height:       float64(it.Range.Minutes()) * opts.PixelsPerMinute,
			Left:         left,
			Width:        width,
			StaggerIndex: i,
			ClusterSize:  n,
		}
	}
}
