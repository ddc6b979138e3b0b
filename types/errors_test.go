package types

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomyDetection(t *testing.T) {
	base := fmt.Errorf("backend did not become healthy")

	envErr := NewEnvironmentUnavailableError(base)
	assert.True(t, IsEnvironmentUnavailable(envErr))
	assert.True(t, IsEnvironmentUnavailable(errors.Wrap(envErr, "acquire")))
	assert.False(t, IsEnvironmentUnavailable(base))
	assert.False(t, IsEnvironmentUnavailable(nil))
	assert.ErrorIs(t, envErr, base)

	harnessErr := NewTestHarnessError(fmt.Errorf("pytest exited before writing a report"))
	assert.True(t, IsTestHarnessError(harnessErr))
	assert.False(t, IsTestHarnessError(envErr))

	tdErr := NewTeardownError(fmt.Errorf("container remove failed"))
	assert.True(t, IsTeardownError(tdErr))
	assert.False(t, IsTeardownError(harnessErr))
}

func TestErrorTaxonomyMessages(t *testing.T) {
	err := NewEnvironmentUnavailableError(fmt.Errorf("startup timeout after 60s"))
	assert.Contains(t, err.Error(), "environment unavailable")
	assert.Contains(t, err.Error(), "startup timeout")

	td := NewTeardownError(fmt.Errorf("destroy failed"))
	assert.Contains(t, td.Error(), "teardown error")
}
