package models

import (
	"time"

	"github.com/google/uuid"
)

type InstanceStatus string

const (
	INSTANCE_CREATED  InstanceStatus = "created"
	INSTANCE_STARTING InstanceStatus = "starting"
	INSTANCE_RUNNING  InstanceStatus = "running"
	INSTANCE_STOPPING InstanceStatus = "stopping"
	INSTANCE_STOPPED  InstanceStatus = "stopped"
	INSTANCE_CRASHED  InstanceStatus = "crashed"
	INSTANCE_ERRORED  InstanceStatus = "errored"
)

/**
ContainerRef is the authoritative link from an instance to its runtime
container. At most one non-deleted ContainerRef exists per instance; an
instance that gets recreated receives a new ContainerId, which is why stale
events are matched on container id rather than instance id alone.
*/
type ContainerRef struct {
	ContainerId string `json:"containerId"`
	Host        string `json:"host"`
	State       string `json:"state"`
}

type Instance struct {
	Id           uuid.UUID      `json:"id"`
	OwnerId      string         `json:"ownerId"`
	Name         string         `json:"name"`
	Container    ContainerRef   `json:"container"`
	Status       InstanceStatus `json:"status"`
	IsolationId  *uuid.UUID     `json:"isolationId"`
	ClusterId    *uuid.UUID     `json:"clusterId"`
	MasterPod    bool           `json:"masterPod"`
	Deleted      bool           `json:"deleted"`
	ErrorMessage string         `json:"errorMessage"`
	LastEventAt  int64          `json:"lastEventAt"` //nanosecond timestamp of the newest runtime event applied
	CreatedAt    time.Time      `json:"createdAt"`
}

var legalTransitions = map[InstanceStatus][]InstanceStatus{
	INSTANCE_CREATED:  {INSTANCE_STARTING, INSTANCE_ERRORED},
	INSTANCE_STARTING: {INSTANCE_RUNNING, INSTANCE_CRASHED, INSTANCE_ERRORED},
	INSTANCE_RUNNING:  {INSTANCE_STARTING, INSTANCE_STOPPING, INSTANCE_CRASHED, INSTANCE_ERRORED},
	INSTANCE_STOPPING: {INSTANCE_STOPPED, INSTANCE_ERRORED},
	INSTANCE_STOPPED:  {INSTANCE_STARTING},
	INSTANCE_CRASHED:  {INSTANCE_STARTING},
	INSTANCE_ERRORED:  {INSTANCE_STARTING},
}

/**
CanTransition reports whether moving from the instance's current status to
the proposed one is a legal state machine move. A transition to the same
status is treated as legal (and is a no-op for callers).
*/
func (i *Instance) CanTransition(to InstanceStatus) bool {
	if i.Status == to {
		return true
	}
	for _, legal := range legalTransitions[i.Status] {
		if legal == to {
			return true
		}
	}
	return false
}

/**
MidTransition reports whether the instance is currently between stable
states. Group coordinators skip members that are mid-transition rather than
racing the in-flight action.
*/
func (i *Instance) MidTransition() bool {
	return i.Status == INSTANCE_STARTING || i.Status == INSTANCE_STOPPING
}

/**
DeriveDiedStatus determines what a container death means for the instance:
death while stopping is the expected path to stopped; death while running or
starting with no stop command on record is a crash. For any other status the
death is stale information and should be ignored.
*/
func (i *Instance) DeriveDiedStatus() (InstanceStatus, bool) {
	switch i.Status {
	case INSTANCE_STOPPING:
		return INSTANCE_STOPPED, true
	case INSTANCE_RUNNING, INSTANCE_STARTING:
		return INSTANCE_CRASHED, true
	default:
		return i.Status, false
	}
}
