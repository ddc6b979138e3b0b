package types

import "time"

// Blueprint is an opaque infrastructure description: a set of provisioning
// files plus the cloud services it declares. The orchestrator never inspects
// file contents; it hands them to the provisioning driver verbatim.
type Blueprint struct {
	Files    map[string]string `json:"-"`
	Services []string          `json:"services"`
}

// Suite is the executable test suite paired with a blueprint.
type Suite struct {
	Files        map[string]string `json:"-"`
	Requirements []string          `json:"requirements,omitempty"`
}

// Empty reports whether the suite has no test files. Jobs with an empty
// suite are recorded as skipped without provisioning anything.
func (s Suite) Empty() bool {
	return len(s.Files) == 0
}

// Job is one unit of validation work. Immutable once submitted: the
// orchestrator and runner read it but never write to it.
//
// ID is unique per run. Family is the stable blueprint identifier shared by
// the same logical validation target across runs; the failure tracker keys
// its entries on it.
type Job struct {
	ID        string        `json:"id"`
	Family    string        `json:"family"`
	Blueprint Blueprint     `json:"blueprint"`
	Suite     Suite         `json:"suite"`
	Timeout   time.Duration `json:"timeout"`
}
