package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/failure"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/fanout"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct{ msgs []notify.Message }

func (n *countingNotifier) Notify(ctx context.Context, m notify.Message) error {
	n.msgs = append(n.msgs, m)
	return nil
}

func TestTransitions(t *testing.T) {
	require.Equal(t, Pending, Transitions[0].From)
	for i := 1; i < len(Transitions); i++ {
		assert.Equal(t, Transitions[i-1].To, Transitions[i].From)
		assert.Equal(t, Transitions[i-1].To+1, Transitions[i].To)
	}
	assert.Equal(t, Published, Transitions[len(Transitions)-1].To)
	assert.Equal(t, []string{Convert, Rename, FanOut, Report, Publish}, Stages())

	for _, s := range []State{Published, Failed} {
		_, ok := Next(s)
		assert.False(t, ok, "%v", s)
	}
	tr, ok := Next(Converting)
	require.True(t, ok)
	assert.Equal(t, []string{Convert}, tr.Stages)

	assert.Equal(t, "fanning-out", FanningOut.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func stageRecorder(calls map[string]int, fail map[string]error) map[string]StageFunc {
	stages := map[string]StageFunc{}
	for _, s := range Stages() {
		s := s
		stages[s] = func(ctx context.Context) error {
			calls[s]++
			return fail[s]
		}
	}
	return stages
}

func TestIdempotence(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	cp := FileCheckpoint{Dir: dir}
	for _, s := range Stages() {
		require.NoError(t, cp.Mark(ctx, s))
	}
	calls := map[string]int{}
	o := &Orchestrator{Group: "run", Stages: stageRecorder(calls, nil), Checkpoint: cp}
	for i := 0; i < 2; i++ {
		state, err := o.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, Published, state)
	}
	assert.Empty(t, calls)

	// Without the publish marker, every other stage is still skipped.
	require.NoError(t, os.Remove(cp.Path(Publish)))
	state, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Published, state)
	assert.Equal(t, map[string]int{Publish: 1}, calls)
}

func TestResume(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	cp := FileCheckpoint{Dir: dir}
	calls := map[string]int{}
	fail := map[string]error{FanOut: errors.New("fastqc failed")}
	n := &countingNotifier{}
	var states []State
	o := &Orchestrator{
		Group:      "run_lanes1",
		Stages:     stageRecorder(calls, fail),
		Checkpoint: cp,
		Notifier:   n,
		OnState:    func(s State) { states = append(states, s) },
	}
	state, err := o.Run(ctx)
	assert.Equal(t, Failed, state)
	require.Error(t, err)
	assert.True(t, failure.Is(failure.Stage, err))
	assert.Contains(t, err.Error(), FanOut)
	assert.Equal(t, map[string]int{Convert: 1, Rename: 1, FanOut: 1}, calls)
	assert.Equal(t, []State{Pending, Converting, Converted, Renaming, Renamed, FanningOut, Failed}, states)
	require.Len(t, n.msgs, 1)
	assert.Equal(t, notify.Failure, n.msgs[0].Kind)

	for stage, want := range map[string]bool{Convert: true, Rename: true, FanOut: false, Report: false, Publish: false} {
		done, err := cp.Done(ctx, stage)
		require.NoError(t, err)
		assert.Equal(t, want, done, stage)
	}

	// The next invocation retries the failed stage and everything after.
	delete(fail, FanOut)
	state, err = o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Published, state)
	assert.Equal(t, map[string]int{Convert: 1, Rename: 1, FanOut: 2, Report: 1, Publish: 1}, calls)
	_, err = os.Stat(filepath.Join(dir, PublishedMarker))
	assert.NoError(t, err)
}

func TestFanOutTaskFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	artifacts := filepath.Join(dir, "artifacts")
	require.NoError(t, os.Mkdir(artifacts, 0755))
	attempted := map[int]bool{}
	calls := map[string]int{}
	stages := stageRecorder(calls, nil)
	stages[FanOut] = func(ctx context.Context) error {
		var tasks []fanout.Task
		for i := 1; i <= 10; i++ {
			i := i
			out := filepath.Join(artifacts, fmt.Sprintf("%d.zip", i))
			tasks = append(tasks, fanout.Task{
				Name:    fmt.Sprint(i),
				Outputs: []string{out},
				Run: func(ctx context.Context) error {
					attempted[i] = true
					if i == 7 {
						return errors.New("exit status 1")
					}
					return ioutil.WriteFile(out, nil, 0644)
				},
			})
		}
		// One worker keeps the attempted map free of races.
		return fanout.Pool{Workers: 1}.Run(ctx, "fastqc", tasks).Err()
	}
	cp := FileCheckpoint{Dir: dir}
	state, err := (&Orchestrator{Group: "run", Stages: stages, Checkpoint: cp}).Run(ctx)
	assert.Equal(t, Failed, state)
	require.Error(t, err)
	assert.True(t, failure.Is(failure.Stage, err))
	assert.Len(t, attempted, 10)
	files, err := ioutil.ReadDir(artifacts)
	require.NoError(t, err)
	assert.Len(t, files, 9)
	done, err := cp.Done(ctx, FanOut)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestFileCheckpoint(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	cp := FileCheckpoint{Dir: dir}
	assert.Equal(t, filepath.Join(dir, "convert.done"), cp.Path(Convert))
	assert.Equal(t, filepath.Join(dir, "fastq.made"), cp.Path(Publish))

	done, err := cp.Done(ctx, Convert)
	require.NoError(t, err)
	assert.False(t, done)
	require.NoError(t, cp.Mark(ctx, Convert))
	before, err := ioutil.ReadFile(cp.Path(Convert))
	require.NoError(t, err)
	require.NoError(t, cp.Mark(ctx, Convert))
	after, err := ioutil.ReadFile(cp.Path(Convert))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	done, err = cp.Done(ctx, Convert)
	require.NoError(t, err)
	assert.True(t, done)
}
