// Package bcl reads raw base calls from an Illumina run directory and counts
// the sequences observed over a set of cycles.
//
// A BCL file holds one cycle of one tile: a little-endian uint32 cluster
// count followed by one byte per cluster whose two low bits are the base and
// whose upper six bits are the quality; a zero byte is a no-call. A filter
// file holds a 12-byte header, the last four bytes being the cluster count,
// and one byte per cluster whose low bit marks clusters passing filter.
package bcl

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/barcode"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/runinfo"
)

// DefaultMaxClusters bounds the number of pass-filter clusters sampled per
// lane.
const DefaultMaxClusters = 1000000

// Counter counts index sequences straight from BCL files.
type Counter struct {
	// RunDir is the run's input directory.
	RunDir     string
	Instrument runinfo.Instrument
	// Layout is the flow cell geometry from RunInfo.xml. Zero fields fall
	// back to the instrument's usual geometry.
	Layout runinfo.Layout
	// MaxClusters stops counting once this many pass-filter clusters were
	// seen in a lane.
	MaxClusters int
}

func (c Counter) baseCalls() string {
	return filepath.Join(c.RunDir, "Data", "Intensities", "BaseCalls")
}

// geometry returns the surface, swath and tile counts used to enumerate
// tiles.
func (c Counter) geometry() (surfaces, swaths, tiles int) {
	surfaces, swaths, tiles = 2, 2, 28
	switch c.Instrument {
	case runinfo.HiSeq2500:
		tiles = 16
	case runinfo.MiSeq:
		swaths, tiles = 1, 19
	}
	if c.Layout.SurfaceCount > 0 {
		surfaces = c.Layout.SurfaceCount
	}
	if c.Layout.SwathCount > 0 {
		swaths = c.Layout.SwathCount
	}
	if c.Layout.TileCount > 0 {
		tiles = c.Layout.TileCount
	}
	return
}

// tile names the filter file and per-cycle BCL files of one tile.
type tile struct {
	filter string
	bcls   []string
}

func (c Counter) tiles(lane int, cycles []int) []tile {
	dir := c.baseCalls()
	switch c.Instrument {
	case runinfo.NextSeq, runinfo.MiniSeq:
		t := tile{filter: filepath.Join(dir, "L001", "s_1.filter")}
		for _, cycle := range cycles {
			t.bcls = append(t.bcls, filepath.Join(dir, "L001", fmt.Sprintf("%04d.bcl.bgzf", cycle)))
		}
		return []tile{t}
	case runinfo.MiSeq:
		lane = 1
	}
	surfaces, swaths, tiles := c.geometry()
	laneDir := filepath.Join(dir, fmt.Sprintf("L%03d", lane))
	var out []tile
	for surface := 1; surface <= surfaces; surface++ {
		for swath := 1; swath <= swaths; swath++ {
			for n := 1; n <= tiles; n++ {
				num := 1000*surface + 100*swath + n
				t := tile{filter: filepath.Join(laneDir, fmt.Sprintf("s_%d_%d.filter", lane, num))}
				for _, cycle := range cycles {
					t.bcls = append(t.bcls, filepath.Join(laneDir, fmt.Sprintf("C%d.1", cycle), fmt.Sprintf("s_%d_%d.bcl", lane, num)))
				}
				out = append(out, t)
			}
		}
	}
	return out
}

// Count returns how often each sequence occurs over the given one-based
// cycles among the pass-filter clusters of lane. Tiles are read in flow cell
// order until MaxClusters clusters were seen; enumeration stops early at the
// first tile whose filter file does not exist.
func (c Counter) Count(ctx context.Context, lane int, cycles []int) (map[string]int, error) {
	max := c.MaxClusters
	if max <= 0 {
		max = DefaultMaxClusters
	}
	counts := map[string]int{}
	good := 0
	for i, t := range c.tiles(lane, cycles) {
		n, err := countTile(ctx, t, counts, max-good)
		if err != nil {
			if i > 0 && notExist(err) {
				log.Debug.Printf("bcl: lane %d: no tile at %s; stopping", lane, t.filter)
				break
			}
			return nil, err
		}
		good += n
		if good >= max {
			break
		}
	}
	log.Debug.Printf("bcl: lane %d cycles %v: %d pass-filter clusters, %d sequences", lane, cycles, good, len(counts))
	return counts, nil
}

func countTile(ctx context.Context, t tile, counts map[string]int, max int) (good int, err error) {
	filter, err := file.Open(ctx, t.filter)
	if err != nil {
		return 0, err
	}
	defer file.CloseAndReport(ctx, filter, &err)
	fr := bufio.NewReader(filter.Reader(ctx))
	var header [3]uint32
	if err := binary.Read(fr, binary.LittleEndian, &header); err != nil {
		return 0, errors.E(errors.Invalid, err, "filter header", t.filter)
	}
	nClusters := header[2]

	readers := make([]io.Reader, len(t.bcls))
	for i, path := range t.bcls {
		r, closer, err := openBCL(ctx, path)
		if err != nil {
			return 0, err
		}
		defer closer()
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return 0, errors.E(errors.Invalid, err, "bcl header", path)
		}
		if n != nClusters {
			return 0, errors.E(errors.Invalid, fmt.Sprintf("%s has %d clusters, filter has %d", path, n, nClusters))
		}
		readers[i] = r
	}

	seq := make([]byte, len(readers))
	var call [1]byte
	for cluster := uint32(0); cluster < nClusters && good < max; cluster++ {
		pf, err := fr.ReadByte()
		if err != nil {
			return good, errors.E(errors.Invalid, err, "filter", t.filter)
		}
		for i, r := range readers {
			if _, err := io.ReadFull(r, call[:]); err != nil {
				return good, errors.E(errors.Invalid, err, "bcl", t.bcls[i])
			}
			seq[i] = barcode.DecodeCall(call[0])
		}
		if pf&1 == 0 {
			continue
		}
		good++
		counts[string(seq)]++
	}
	return good, nil
}

// openBCL opens a BCL file, trying the gzip-compressed variant when the
// plain file is absent. Files ending in .gz or .bgzf are decompressed.
func openBCL(ctx context.Context, path string) (io.Reader, func(), error) {
	candidates := []string{path}
	switch filepath.Ext(path) {
	case ".bcl":
		candidates = append(candidates, path+".gz")
	}
	var lastErr error
	for _, p := range candidates {
		f, err := file.Open(ctx, p)
		if err != nil {
			lastErr = err
			continue
		}
		closeFile := func() {
			if err := f.Close(ctx); err != nil {
				log.Error.Printf("close %s: %v", p, err)
			}
		}
		r := io.Reader(bufio.NewReader(f.Reader(ctx)))
		switch filepath.Ext(p) {
		case ".gz", ".bgzf":
			gz, err := gzip.NewReader(r)
			if err != nil {
				closeFile()
				return nil, nil, errors.E(errors.Invalid, err, "bcl", p)
			}
			return bufio.NewReader(gz), func() { gz.Close(); closeFile() }, nil
		}
		return r, closeFile, nil
	}
	if notExist(lastErr) {
		return nil, nil, errors.E(errors.NotExist, lastErr, "bcl", path)
	}
	return nil, nil, lastErr
}

func notExist(err error) bool {
	return os.IsNotExist(err) || errors.Is(errors.NotExist, err)
}
