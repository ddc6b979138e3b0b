package types

// Status represents the terminal outcome of a validation job
type Status string

const (
	StatusPassed  Status = "passed"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

// String returns the status as a plain string
func (s Status) String() string {
	return string(s)
}

// IsFailing reports whether the status counts toward consecutive-failure
// tracking. Skips count as neither failure nor success.
func (s Status) IsFailing() bool {
	switch s {
	case StatusFailed, StatusPartial, StatusTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the five recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPassed, StatusPartial, StatusFailed, StatusTimeout, StatusSkipped:
		return true
	default:
		return false
	}
}

// DeriveStatus maps provisioning and test outcomes to a job status.
// Timeout and Skipped are assigned by the runner and orchestrator at their
// own boundaries and never come out of this function:
//   - Passed requires successful provisioning and a suite that ran at least
//     one test with zero failures.
//   - Partial is successful provisioning with one or more test failures.
//   - Everything else is Failed: provisioning failed, the harness never
//     produced counts, or the suite collected no tests at all.
func DeriveStatus(prov *ProvisioningOutcome, tests *TestOutcome) Status {
	if prov == nil || !prov.Success {
		return StatusFailed
	}
	if tests == nil {
		return StatusFailed
	}
	if tests.Failed > 0 {
		return StatusPartial
	}
	if tests.Total > 0 {
		return StatusPassed
	}
	return StatusFailed
}
