package models

import (
	"time"

	"github.com/google/uuid"
)

type ClusterTrigger string

const (
	TRIGGER_USER    ClusterTrigger = "user"
	TRIGGER_WEBHOOK ClusterTrigger = "webhook"
)

/**
Cluster groups the instances created together from one multi-service source
definition: one parent instance plus N siblings. The sibling list is held in
its own redis list so that concurrently completing sibling-create jobs can
append without overwriting each other.
*/
type Cluster struct {
	Id               uuid.UUID      `json:"id"`
	ConfigId         string         `json:"configId"`
	ParentInstanceId *uuid.UUID     `json:"parentInstanceId"`
	CreatedBy        string         `json:"createdBy"`
	OwnerId          string         `json:"ownerId"`
	TriggeredAction  ClusterTrigger `json:"triggeredAction"`
	Deleted          bool           `json:"deleted"`
	CreatedAt        time.Time      `json:"createdAt"`
}
