// Package harness drives the external test harness against a provisioned
// environment and turns its machine-readable report into test outcomes.
package harness

import (
	"context"

	"github.com/stacklab/arch-acceptor/environment"
	"github.com/stacklab/arch-acceptor/types"
)

// Driver executes one test suite against an environment. Provisioning
// outputs are injected into the harness process as configuration.
//
// A non-nil error means the harness crashed before producing a usable
// report (TestHarnessError); the job is then failed with zero counts. When
// the context deadline kills the harness mid-run, any partially written
// report is still parsed and returned so partial counts survive.
type Driver interface {
	Execute(ctx context.Context, env *environment.Environment, suite types.Suite, outputs map[string]string, workDir string) (*types.TestOutcome, error)
}
