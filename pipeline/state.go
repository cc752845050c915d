// Package pipeline drives one lane group of a run through the pipeline's
// stages.
//
// The pipeline is a linear state machine. Each transition names the stages
// that must complete to take it; a stage completes once, and its completion
// is recorded by a Checkpoint. An interrupted or failed group therefore
// resumes at the first stage without a checkpoint, never redoing earlier
// ones.
package pipeline

import "fmt"

// State is the progress of a lane group.
type State int

const (
	Pending State = iota
	Converting
	Converted
	Renaming
	Renamed
	FanningOut
	Aggregating
	Published
	// Failed is entered when a stage fails. It is not part of the
	// transition table: the next invocation starts over from Pending and
	// skips the checkpointed stages.
	Failed
)

var stateNames = [...]string{
	Pending:     "pending",
	Converting:  "converting",
	Converted:   "converted",
	Renaming:    "renaming",
	Renamed:     "renamed",
	FanningOut:  "fanning-out",
	Aggregating: "aggregating",
	Published:   "published",
	Failed:      "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Stage names.
const (
	Convert = "convert"
	Rename  = "rename"
	FanOut  = "fanout"
	Report  = "report"
	Publish = "publish"
)

// Transition moves a group from one state to the next once its stages have
// completed, in order.
type Transition struct {
	From, To State
	Stages   []string
}

// Transitions is the pipeline. Each transition starts where the previous
// one ended.
var Transitions = []Transition{
	{Pending, Converting, nil},
	{Converting, Converted, []string{Convert}},
	{Converted, Renaming, nil},
	{Renaming, Renamed, []string{Rename}},
	{Renamed, FanningOut, nil},
	{FanningOut, Aggregating, []string{FanOut}},
	{Aggregating, Published, []string{Report, Publish}},
}

// Next returns the transition out of s. ok is false for Published and
// Failed, which have none.
func Next(s State) (t Transition, ok bool) {
	for _, t := range Transitions {
		if t.From == s {
			return t, true
		}
	}
	return Transition{}, false
}

// Stages returns every stage of the pipeline in execution order.
func Stages() []string {
	var stages []string
	for _, t := range Transitions {
		stages = append(stages, t.Stages...)
	}
	return stages
}
