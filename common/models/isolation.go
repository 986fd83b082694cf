package models

import (
	"time"

	"github.com/google/uuid"
)

type IsolationState string

const (
	ISOLATION_NONE        IsolationState = "none"
	ISOLATION_KILLING     IsolationState = "killing"
	ISOLATION_KILLED      IsolationState = "killed"
	ISOLATION_REDEPLOYING IsolationState = "redeploying"
)

/**
IsolationGroup ties together a set of instances whose stop and redeploy
actions must be coordinated. At most one group-level action is in flight at
a time; the persisted State field is the single source of truth consulted by
both the stop and the redeploy paths, which is what collapses the race
between the two.
*/
type IsolationGroup struct {
	Id               uuid.UUID      `json:"id"`
	OwnerId          string         `json:"ownerId"`
	CreatedBy        string         `json:"createdBy"`
	State            IsolationState `json:"state"`
	MasterInstanceId uuid.UUID      `json:"masterInstanceId"`
	RedeployOnKilled bool           `json:"redeployOnKilled"`
	CreatedAt        time.Time      `json:"createdAt"`
}
