// Package orientation decides, from observed base calls, whether the second
// index of a lane group must be reverse-complemented.
package orientation

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/barcode"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/runinfo"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/samplesheet"
	"golang.org/x/sync/errgroup"
)

// Counter returns how often each sequence was observed over the given
// one-based cycles of a lane. bcl.Counter is the production implementation.
type Counter interface {
	Count(ctx context.Context, lane int, cycles []int) (map[string]int, error)
}

// Evidence holds the observed totals for the two hypotheses.
type Evidence struct {
	// Declared counts index pairs as written in the sample sheet.
	Declared int
	// Reversed counts pairs with the second index reverse-complemented.
	Reversed int
}

// Resolver resolves index-2 orientation.
type Resolver struct {
	Counter Counter
	// MinRatio is how many times the reversed evidence must exceed the
	// declared evidence. Values below 1 are treated as 1.
	MinRatio float64
	// MinEvidence is the smallest combined count on which to act.
	MinEvidence int
	// Notifier, if set, is told when the base calls cannot be read.
	Notifier notify.Notifier
}

// Decide applies the decision rule to e. The second index is flipped only
// when the reversed total strictly exceeds the declared total, is at least
// MinRatio times it, and the two together reach MinEvidence. close reports
// a majority for the reversed hypothesis that was not strong enough to act
// on.
func (r Resolver) Decide(e Evidence) (o samplesheet.Orientation, close bool) {
	ratio := r.MinRatio
	if ratio < 1 {
		ratio = 1
	}
	if e.Reversed <= e.Declared {
		return samplesheet.Forward, false
	}
	if float64(e.Reversed) >= ratio*float64(e.Declared) && e.Reversed+e.Declared >= r.MinEvidence {
		return samplesheet.ReverseComplement, false
	}
	return samplesheet.Forward, true
}

// Cycles returns the one-based cycles covering the declared barcodes of
// key: the first key.I1 cycles of the first index read followed by the
// first key.I2 cycles of the second. ok is false when the read structure
// has fewer than two index reads.
func Cycles(reads runinfo.ReadStructure, key samplesheet.MaskKey) (cycles []int, ok bool) {
	idx := reads.IndexReads()
	offsets := reads.IndexOffsets()
	if len(idx) < 2 {
		return nil, false
	}
	for i, n := range []int{key.I1, key.I2} {
		if n > idx[i].NumCycles {
			n = idx[i].NumCycles
		}
		for c := 0; c < n; c++ {
			cycles = append(cycles, offsets[i]+c+1)
		}
	}
	return cycles, true
}

// Gather counts the group's index pairs under both hypotheses. Lanes are
// counted in parallel; a group without lanes is sampled on lane 1.
func (r Resolver) Gather(ctx context.Context, g *samplesheet.LaneGroup, cycles []int) (Evidence, error) {
	lanes := g.Lanes
	if len(lanes) == 0 {
		lanes = []int{1}
	}
	counts := make([]map[string]int, len(lanes))
	eg, ectx := errgroup.WithContext(ctx)
	for i, lane := range lanes {
		i, lane := i, lane
		eg.Go(func() error {
			c, err := r.Counter.Count(ectx, lane, cycles)
			counts[i] = c
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return Evidence{}, err
	}
	var e Evidence
	for _, rec := range g.Records {
		declared := rec.Index + rec.Index2
		reversed := rec.Index + barcode.ReverseComplement(rec.Index2)
		for i, lane := range lanes {
			if rec.Lane != 0 && len(g.Lanes) > 0 && rec.Lane != lane {
				continue
			}
			e.Declared += counts[i][declared]
			e.Reversed += counts[i][reversed]
		}
	}
	return e, nil
}

// Resolve orients g. Groups without a second index are left as declared.
// When the raw data cannot be read, the group is left as declared and the
// problem is logged and sent to the Notifier; conversion goes on.
func (r Resolver) Resolve(ctx context.Context, runID string, g *samplesheet.LaneGroup, reads runinfo.ReadStructure) samplesheet.Orientation {
	o := samplesheet.Forward
	defer func() { g.Orient(o) }()
	if g.Key.I2 == 0 {
		return o
	}
	cycles, ok := Cycles(reads, g.Key)
	if !ok {
		log.Printf("%s: lane group %v has a second index but the run has fewer than two index reads", runID, g.Key)
		return o
	}
	e, err := r.Gather(ctx, g, cycles)
	if err != nil {
		err = errors.E(err, "lane group", g.Key.String(), "cannot read base calls, keeping index2 as declared")
		log.Error.Printf("%s: %v", runID, err)
		if r.Notifier != nil {
			if nerr := r.Notifier.Notify(ctx, notify.Error(runID, err)); nerr != nil {
				log.Error.Printf("notify: %v", nerr)
			}
		}
		return o
	}
	var close bool
	o, close = r.Decide(e)
	switch {
	case close:
		log.Printf("%s: lane group %v: reverse-complemented index2 is favored %d to %d, below the ratio of %.2f; keeping as declared",
			runID, g.Key, e.Reversed, e.Declared, r.MinRatio)
	case o == samplesheet.ReverseComplement:
		log.Printf("%s: lane group %v: reverse-complementing index2 (%d vs %d)", runID, g.Key, e.Reversed, e.Declared)
	}
	return o
}
