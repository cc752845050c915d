package driver

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/testutil"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/config"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/failure"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/report"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/scan"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/stages"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runID = "170101_M00123_0001_000000000-ABCDE"

const runInfo = `<RunInfo><Run Id="170101_M00123_0001_000000000-ABCDE">
<Reads><Read Number="1" NumCycles="51" IsIndexedRead="N" /></Reads>
<FlowcellLayout LaneCount="1" />
</Run></RunInfo>`

type runner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *runner) Run(ctx context.Context, c tools.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c.Name)
	return r.err
}

type notes struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *notes) Notify(ctx context.Context, m notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
	return nil
}

func (n *notes) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func newDriver(t *testing.T, dir string, extra map[string]string) (*Driver, *runner, *notes) {
	base, out := filepath.Join(dir, "runs"), filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(base, 0755))
	require.NoError(t, os.MkdirAll(out, 0755))
	opts := map[string]string{"sleepTime": "1"}
	for k, v := range extra {
		opts[k] = v
	}
	c := config.New(map[string]map[string]string{
		"Paths":   {"baseDir": base, "outputDir": out},
		"Options": opts,
	})
	o, err := c.Options()
	require.NoError(t, err)
	r, n := &runner{}, &notes{}
	return &Driver{
		Scanner: scan.New(o),
		Env:     stages.Env{Config: c, Options: o, Runner: r, Notifier: n},
	}, r, n
}

func addRun(t *testing.T, d *Driver, sheet string) string {
	dir := filepath.Join(d.Env.Options.BaseDir, runID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "RunInfo.xml"), []byte(runInfo), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "RTAComplete.txt"), nil, 0644))
	if sheet != "" {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "SampleSheet.csv"), []byte(sheet), 0644))
	}
	return dir
}

func TestCycle(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	d, r, n := newDriver(t, dir, nil)

	outcome, err := d.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, outcome)

	addRun(t, d, "")
	outcome, err = d.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	assert.Equal(t, []string{"bcl2fastq"}, r.calls)
	_, err = os.Stat(filepath.Join(d.Env.Options.OutputDir, runID, pipeline.PublishedMarker))
	assert.NoError(t, err)
	require.Equal(t, 1, n.count())
	assert.Equal(t, notify.Finished, n.msgs[0].Kind)

	st := d.Status()
	assert.Equal(t, runID, st.Run)
	assert.Equal(t, pipeline.Published.String(), st.State)
	assert.Equal(t, 1, st.Published)
	assert.NotEmpty(t, st.Cycle)

	outcome, err = d.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, outcome)
	assert.NotEqual(t, st.Cycle, d.Status().Cycle)
	assert.Len(t, r.calls, 1)
}

func TestCycleStageFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	d, r, n := newDriver(t, dir, nil)
	addRun(t, d, "")
	r.err = errors.New("exit status 1")

	outcome, err := d.Cycle(ctx)
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)
	assert.True(t, failure.Is(failure.Stage, err))
	assert.Equal(t, 1, n.count())
	assert.True(t, strings.Contains(d.Status().Error, "convert"))

	// The next cycle retries the same group.
	r.err = nil
	outcome, err = d.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
}

func TestCycleLowSpace(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	d, r, n := newDriver(t, dir, map[string]string{"minSpace": "100"})
	d.Usage = func(string) (report.Usage, error) { return report.Usage{Total: 1000, Free: 10}, nil }
	addRun(t, d, "")

	outcome, err := d.Cycle(ctx)
	assert.Equal(t, Failed, outcome)
	assert.True(t, failure.Is(failure.Resource, err))
	assert.Len(t, r.calls, 0)
	assert.Equal(t, 1, n.count())
	_, err = os.Stat(filepath.Join(d.Env.Options.OutputDir, runID))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 10.0, d.Status().FreeGiB)
}

func TestResolveFailureNotifiedOnce(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	d, r, n := newDriver(t, dir, map[string]string{"singleLaneThreshold": "1", "mergedLaneInstruments": "NextSeq"})
	addRun(t, d, "[Data]\nLane,Sample_ID,index\n1,A,ACGT\n1,B,ACGTAC\n")

	for i := 0; i < 2; i++ {
		outcome, err := d.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, Idle, outcome)
	}
	assert.Len(t, r.calls, 0)
	assert.Equal(t, 1, n.count())
	assert.Equal(t, []string{runID}, d.Status().Skipped)
}

func TestScanFailureNotifiedOnce(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	d, r, n := newDriver(t, dir, nil)
	run := addRun(t, d, "")
	require.NoError(t, ioutil.WriteFile(filepath.Join(run, "RunInfo.xml"), []byte("<RunInfo><Run"), 0644))

	for i := 0; i < 2; i++ {
		outcome, err := d.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, Idle, outcome)
	}
	assert.Len(t, r.calls, 0)
	require.Equal(t, 1, n.count())
	assert.Equal(t, notify.Failure, n.msgs[0].Kind)
	assert.Contains(t, n.msgs[0].Body, runID)
	assert.Equal(t, []string{runID}, d.Status().Skipped)

	// Once readable, the run is processed.
	require.NoError(t, ioutil.WriteFile(filepath.Join(run, "RunInfo.xml"), []byte(runInfo), 0644))
	outcome, err := d.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
}

func TestLoopWake(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	d, _, _ := newDriver(t, dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{})
	done := make(chan error)
	go func() { done <- d.Loop(ctx, wake) }()

	waitFor := func(cond func(Status) bool) Status {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if st := d.Status(); cond(st) {
				return st
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatal("timed out")
		return Status{}
	}
	first := waitFor(func(s Status) bool { return s.Outcome == "idle" })
	wake <- struct{}{}
	waitFor(func(s Status) bool { return s.Cycle != first.Cycle && s.Outcome == "idle" })
	cancel()
	assert.Equal(t, context.Canceled, <-done)
}
