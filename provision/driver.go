// Package provision drives the external infrastructure-provisioning tool
// against one environment. Drivers are polymorphic over any tool that takes
// an endpoint and a file set and reports structured success or failure; the
// runner and orchestrator never see tool specifics.
package provision

import (
	"context"

	"github.com/stacklab/arch-acceptor/environment"
	"github.com/stacklab/arch-acceptor/types"
)

// Driver materializes a blueprint against an environment.
//
// Apply never returns an error: tool failures are encoded in the outcome
// with Success false and the captured log. Destroy tears provisioned
// resources down again; its log is always returned so the job's bundle
// keeps teardown output even when it fails.
type Driver interface {
	Apply(ctx context.Context, env *environment.Environment, blueprint types.Blueprint, workDir string) *types.ProvisioningOutcome
	Destroy(ctx context.Context, env *environment.Environment, workDir string) (string, error)
}
