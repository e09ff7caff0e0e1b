package sysrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrepareNoOpWhenNothingRequested(t *testing.T) {
	res := Prepare(Options{CPU: -1}, nil)
	assert.False(t, res.MemoryLocked)
	assert.False(t, res.AffinityPinned)
	assert.False(t, res.PriorityRaised)
	assert.Empty(t, res.Warnings)
}

// Prepare must never panic even when the process lacks the privileges to
// perform any of the requested preparations (the common case in CI/sandboxed
// test runs) — failures are recorded as warnings, not errors.
func TestPrepareFailsOpenWithoutPrivileges(t *testing.T) {
	assert.NotPanics(t, func() {
		Prepare(Options{LockMemory: true, CPU: 0, Priority: 50}, nil)
	})
}

func TestPrepareAcceptsNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Prepare(Options{LockMemory: true}, nil)
	})
}
