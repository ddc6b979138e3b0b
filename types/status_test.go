package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		prov     *ProvisioningOutcome
		tests    *TestOutcome
		expected Status
	}{
		{
			name:     "no provisioning outcome",
			prov:     nil,
			tests:    nil,
			expected: StatusFailed,
		},
		{
			name:     "provisioning failed",
			prov:     &ProvisioningOutcome{Success: false, Error: "apply failed"},
			tests:    nil,
			expected: StatusFailed,
		},
		{
			name:     "provisioning succeeded but harness produced nothing",
			prov:     &ProvisioningOutcome{Success: true},
			tests:    nil,
			expected: StatusFailed,
		},
		{
			name:     "all tests passed",
			prov:     &ProvisioningOutcome{Success: true},
			tests:    &TestOutcome{Total: 3, Passed: 3},
			expected: StatusPassed,
		},
		{
			name:     "some tests failed",
			prov:     &ProvisioningOutcome{Success: true},
			tests:    &TestOutcome{Total: 4, Passed: 3, Failed: 1},
			expected: StatusPartial,
		},
		{
			name:     "all tests failed",
			prov:     &ProvisioningOutcome{Success: true},
			tests:    &TestOutcome{Total: 2, Failed: 2},
			expected: StatusPartial,
		},
		{
			name:     "suite collected no tests",
			prov:     &ProvisioningOutcome{Success: true},
			tests:    &TestOutcome{},
			expected: StatusFailed,
		},
		{
			name:     "failures trump provisioning success even with skips",
			prov:     &ProvisioningOutcome{Success: true},
			tests:    &TestOutcome{Total: 5, Passed: 2, Failed: 1, Skipped: 2},
			expected: StatusPartial,
		},
		{
			name:     "skips alone do not fail a suite",
			prov:     &ProvisioningOutcome{Success: true},
			tests:    &TestOutcome{Total: 3, Passed: 1, Skipped: 2},
			expected: StatusPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveStatus(tt.prov, tt.tests))
		})
	}
}

func TestStatusIsFailing(t *testing.T) {
	assert.True(t, StatusFailed.IsFailing())
	assert.True(t, StatusPartial.IsFailing())
	assert.True(t, StatusTimeout.IsFailing())
	assert.False(t, StatusPassed.IsFailing())
	assert.False(t, StatusSkipped.IsFailing())
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPassed, StatusPartial, StatusFailed, StatusTimeout, StatusSkipped} {
		assert.True(t, s.Valid(), "expected %q to be valid", s)
	}
	assert.False(t, Status("exploded").Valid())
	assert.False(t, Status("").Valid())
}
