package models

import (
	"testing"

	"github.com/google/uuid"
)

/**
the state machine should permit the documented forward path and reject
regressions
*/
func TestInstance_CanTransition(t *testing.T) {
	inst := Instance{Id: uuid.New(), Status: INSTANCE_CREATED}

	if !inst.CanTransition(INSTANCE_STARTING) {
		t.Error("created -> starting should be legal")
	}
	if inst.CanTransition(INSTANCE_STOPPED) {
		t.Error("created -> stopped should not be legal")
	}

	inst.Status = INSTANCE_STARTING
	if !inst.CanTransition(INSTANCE_RUNNING) {
		t.Error("starting -> running should be legal")
	}
	if !inst.CanTransition(INSTANCE_CRASHED) {
		t.Error("starting -> crashed should be legal")
	}

	inst.Status = INSTANCE_RUNNING
	if !inst.CanTransition(INSTANCE_STOPPING) {
		t.Error("running -> stopping should be legal")
	}
	if inst.CanTransition(INSTANCE_STOPPED) {
		t.Error("running -> stopped without stopping should not be legal")
	}

	inst.Status = INSTANCE_STOPPED
	if inst.CanTransition(INSTANCE_RUNNING) {
		t.Error("stopped -> running without starting should not be legal")
	}
	if !inst.CanTransition(INSTANCE_STARTING) {
		t.Error("stopped -> starting should be legal")
	}
}

/**
a transition to the current status is always permitted; callers treat it as
a no-op
*/
func TestInstance_CanTransitionSelf(t *testing.T) {
	for _, status := range []InstanceStatus{INSTANCE_CREATED, INSTANCE_RUNNING, INSTANCE_ERRORED} {
		inst := Instance{Id: uuid.New(), Status: status}
		if !inst.CanTransition(status) {
			t.Errorf("%s -> %s should be legal", status, status)
		}
	}
}

/**
a died container means stopped when we asked for the stop, crashed when we
did not, and nothing at all otherwise
*/
func TestInstance_DeriveDiedStatus(t *testing.T) {
	cases := []struct {
		current    InstanceStatus
		expected   InstanceStatus
		meaningful bool
	}{
		{INSTANCE_STOPPING, INSTANCE_STOPPED, true},
		{INSTANCE_RUNNING, INSTANCE_CRASHED, true},
		{INSTANCE_STARTING, INSTANCE_CRASHED, true},
		{INSTANCE_STOPPED, INSTANCE_STOPPED, false},
		{INSTANCE_CREATED, INSTANCE_CREATED, false},
		{INSTANCE_ERRORED, INSTANCE_ERRORED, false},
	}

	for _, testCase := range cases {
		inst := Instance{Id: uuid.New(), Status: testCase.current}
		got, meaningful := inst.DeriveDiedStatus()
		if got != testCase.expected {
			t.Errorf("died while %s: expected %s, got %s", testCase.current, testCase.expected, got)
		}
		if meaningful != testCase.meaningful {
			t.Errorf("died while %s: expected meaningful=%t, got %t", testCase.current, testCase.meaningful, meaningful)
		}
	}
}

func TestInstance_MidTransition(t *testing.T) {
	inst := Instance{Id: uuid.New(), Status: INSTANCE_STARTING}
	if !inst.MidTransition() {
		t.Error("starting should count as mid-transition")
	}
	inst.Status = INSTANCE_STOPPING
	if !inst.MidTransition() {
		t.Error("stopping should count as mid-transition")
	}
	inst.Status = INSTANCE_RUNNING
	if inst.MidTransition() {
		t.Error("running should not count as mid-transition")
	}
}
