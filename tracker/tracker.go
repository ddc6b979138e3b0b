// Package tracker follows validation families across runs and decides when
// a streak of failures deserves an issue and when a recovery closes one.
//
// The tracker never talks to an issue tracker itself. It emits actions; the
// operator or an automation hook carries them out and records the resulting
// issue reference back into the state.
package tracker

import (
	"fmt"
	"time"

	"github.com/stacklab/arch-acceptor/types"
)

// FailureThreshold is how many consecutive failing runs a family needs
// before an issue is requested.
const FailureThreshold = 2

// Entry is the per-family streak record.
type Entry struct {
	Family              string `json:"family"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FirstFailingRun     string `json:"first_failing_run,omitempty"`
	LastFailingRun      string `json:"last_failing_run,omitempty"`
	// IssueRef is the externally assigned issue id once one has been filed.
	// While it is empty the file-issue action is re-emitted every failing
	// run at or past the threshold, so a missed signal is never lost.
	IssueRef string `json:"issue_ref,omitempty"`
}

// State is the whole tracker, persisted between runs.
type State struct {
	Entries map[string]*Entry `json:"entries"`
	// LastRun is the id of the last run folded in. Applying the same run
	// again is a no-op, which makes replays after a crash safe.
	LastRun   string    `json:"last_run,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns an empty tracker state.
func NewState() *State {
	return &State{Entries: make(map[string]*Entry)}
}

// ActionKind labels what the operator should do.
type ActionKind string

const (
	ActionFileIssue  ActionKind = "file_issue"
	ActionCloseIssue ActionKind = "close_issue"
)

// Action is one operator-facing signal derived from a run.
type Action struct {
	Kind         ActionKind `json:"kind"`
	Family       string     `json:"family"`
	RunID        string     `json:"run_id"`
	Failures     int        `json:"failures,omitempty"`
	Summary      string     `json:"summary"`
	FailingTests []string   `json:"failing_tests,omitempty"`
	IssueRef     string     `json:"issue_ref,omitempty"`
}

// Apply folds one run's results into the state and returns the actions that
// follow from it. Failing means failed, partial or timeout; a pass resets
// the family and closes its issue if one is on record; skipped changes
// nothing in either direction.
//
// Apply mutates state. Feeding the run that is already recorded as applied
// returns nil without touching anything.
func Apply(state *State, runID string, results []*types.JobResult) []Action {
	if state.LastRun == runID && runID != "" {
		return nil
	}
	if state.Entries == nil {
		state.Entries = make(map[string]*Entry)
	}

	var actions []Action
	for _, res := range results {
		switch {
		case res.Status.IsFailing():
			entry := state.Entries[res.Family]
			if entry == nil {
				entry = &Entry{Family: res.Family}
				state.Entries[res.Family] = entry
			}
			if entry.ConsecutiveFailures == 0 {
				entry.FirstFailingRun = runID
			}
			entry.ConsecutiveFailures++
			entry.LastFailingRun = runID

			if entry.ConsecutiveFailures >= FailureThreshold && entry.IssueRef == "" {
				actions = append(actions, Action{
					Kind:         ActionFileIssue,
					Family:       res.Family,
					RunID:        runID,
					Failures:     entry.ConsecutiveFailures,
					Summary:      summaryLine(res, entry),
					FailingTests: failingTests(res),
				})
			}

		case res.Status == types.StatusPassed:
			entry := state.Entries[res.Family]
			if entry == nil {
				continue
			}
			if entry.IssueRef != "" {
				actions = append(actions, Action{
					Kind:     ActionCloseIssue,
					Family:   res.Family,
					RunID:    runID,
					IssueRef: entry.IssueRef,
					Summary:  fmt.Sprintf("%s recovered in run %s", res.Family, runID),
				})
			}
			delete(state.Entries, res.Family)

		case res.Status == types.StatusSkipped:
			// A skip is evidence of nothing.
		}
	}

	state.LastRun = runID
	state.UpdatedAt = time.Now().UTC()
	return actions
}

// RecordIssue stores the reference of a filed issue so the file-issue
// action stops being emitted for the family.
func RecordIssue(state *State, family, issueRef string) bool {
	entry := state.Entries[family]
	if entry == nil {
		return false
	}
	entry.IssueRef = issueRef
	return true
}

func summaryLine(res *types.JobResult, entry *Entry) string {
	line := fmt.Sprintf("%s failing for %d consecutive runs, last status %s",
		entry.Family, entry.ConsecutiveFailures, res.Status)
	if res.Tests != nil && res.Tests.Failed > 0 {
		line += fmt.Sprintf(" (%d of %d tests failing)", res.Tests.Failed, res.Tests.Total)
	} else if res.Error != "" {
		line += ": " + res.Error
	}
	return line
}

func failingTests(res *types.JobResult) []string {
	if res.Tests == nil || len(res.Tests.Failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(res.Tests.Failures))
	for _, f := range res.Tests.Failures {
		names = append(names, f.Name)
	}
	return names
}
