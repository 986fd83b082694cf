package reconciler

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/stackhaven/harbormaster/common/models"
	"github.com/stackhaven/harbormaster/common/runtime"
	"github.com/stackhaven/harbormaster/orchestrator/notify"
	"github.com/stackhaven/harbormaster/orchestrator/runner"
)

/**
Reconciler is the single authorised writer of instance runtime state. Every
mutation happens under the per-instance lock and is guarded three ways:
container id must match the stored reference, the event timestamp must be
newer than anything already applied, and the resulting status transition
must be legal. Anything failing a guard is a silent no-op, which is what
makes redelivery and out-of-order arrival safe.
*/
type Reconciler struct {
	redisClient *redis.Client
	driver      runtime.ContainerDriver
	lockTTL     time.Duration
}

func NewReconciler(redisClient *redis.Client, driver runtime.ContainerDriver) *Reconciler {
	return &Reconciler{
		redisClient: redisClient,
		driver:      driver,
		lockTTL:     30 * time.Second,
	}
}

/**
timeNano rides the wire as a decimal string: nanosecond epoch timestamps
overflow the float64 mantissa a JSON number decodes into, and the ordering
guard needs the exact value.
*/
type containerEvent struct {
	InstanceId  string `mapstructure:"instanceId"`
	ContainerId string `mapstructure:"containerId"`
	Host        string `mapstructure:"host"`
	TimeNano    string `mapstructure:"timeNano"`
}

func decodeContainerEvent(payload map[string]interface{}) (*containerEvent, uuid.UUID, int64, error) {
	var event containerEvent
	decodeErr := mapstructure.Decode(payload, &event)
	if decodeErr != nil {
		return nil, uuid.UUID{}, 0, models.ValidationError{Field: "payload", Detail: decodeErr.Error()}
	}
	instanceId, parseErr := uuid.Parse(event.InstanceId)
	if parseErr != nil {
		return nil, uuid.UUID{}, 0, models.ValidationError{Field: "instanceId", Detail: parseErr.Error()}
	}
	timeNano, timeErr := strconv.ParseInt(event.TimeNano, 10, 64)
	if timeErr != nil {
		return nil, uuid.UUID{}, 0, models.ValidationError{Field: "timeNano", Detail: timeErr.Error()}
	}
	return &event, instanceId, timeNano, nil
}

/**
ApplyInspectSnapshot folds a runtime inspect result into the stored instance
record. Idempotent and order-tolerant: a snapshot that is not newer than the
stored lastEventAt marker, or that references a container the instance no
longer owns, changes nothing.
*/
func (r *Reconciler) ApplyInspectSnapshot(instanceId uuid.UUID, containerId string, snapshot *runtime.InspectResult, eventTimeNano int64, actingUserId string) error {
	lockErr := models.WaitForInstanceLock(instanceId, r.lockTTL, 10*time.Second, r.redisClient)
	if lockErr != nil {
		return lockErr
	}
	defer models.UnlockInstance(instanceId, r.redisClient)

	instance, findErr := models.InstanceForId(instanceId, r.redisClient)
	if findErr != nil {
		return findErr
	}

	if instance.Container.ContainerId != containerId {
		log.Printf("DEBUG: Stale snapshot for instance %s: container %s is no longer current", instanceId, containerId)
		return nil
	}
	if eventTimeNano <= instance.LastEventAt {
		log.Printf("DEBUG: Snapshot for instance %s at %d is not newer than %d, skipping", instanceId, eventTimeNano, instance.LastEventAt)
		return nil
	}

	newStatus, eventName, accepted := deriveStatus(instance, snapshot)
	if !accepted {
		log.Printf("DEBUG: Snapshot status '%s' means nothing for instance %s in status %s", snapshot.Status, instanceId, instance.Status)
		return nil
	}
	if !instance.CanTransition(newStatus) {
		log.Printf("WARNING: Rejecting illegal transition %s -> %s for instance %s", instance.Status, newStatus, instanceId)
		return nil
	}

	updateErr := models.UpdateInstanceFields(instanceId, map[string]interface{}{
		"status":         string(newStatus),
		"containerState": snapshot.Status,
		"lastEventAt":    eventTimeNano,
	}, r.redisClient)
	if updateErr != nil {
		return updateErr
	}

	if instance.Status != newStatus {
		instance.Status = newStatus
		instance.Container.State = snapshot.Status
		instance.LastEventAt = eventTimeNano
		notify.EmitInstanceUpdate(instance, actingUserId, eventName, r.redisClient)
	}
	return nil
}

/**
map a container runtime status onto the instance state machine. The second
return is the notification event name, the third whether the snapshot means
anything at all for the current state.
*/
func deriveStatus(instance *models.Instance, snapshot *runtime.InspectResult) (models.InstanceStatus, string, bool) {
	switch snapshot.Status {
	case "running":
		//a started event is only meaningful while we are waiting for the start
		if instance.Status == models.INSTANCE_STARTING {
			return models.INSTANCE_RUNNING, notify.EVENT_START, true
		}
		return instance.Status, "", false
	case "exited", "dead":
		newStatus, meaningful := instance.DeriveDiedStatus()
		return newStatus, notify.EVENT_UPDATE, meaningful
	case "created":
		//container exists but nothing has happened yet; record the ref state only
		return instance.Status, "", false
	default:
		return instance.Status, "", false
	}
}

/**
SetContainerError transitions the instance to errored and records the cause.
Same stale-container and not-found handling as snapshot application.
*/
func (r *Reconciler) SetContainerError(instanceId uuid.UUID, containerId string, errorMessage string, actingUserId string) error {
	lockErr := models.WaitForInstanceLock(instanceId, r.lockTTL, 10*time.Second, r.redisClient)
	if lockErr != nil {
		return lockErr
	}
	defer models.UnlockInstance(instanceId, r.redisClient)

	instance, findErr := models.InstanceForId(instanceId, r.redisClient)
	if findErr != nil {
		return findErr
	}
	if instance.Container.ContainerId != containerId {
		log.Printf("DEBUG: Ignoring error for instance %s: container %s is no longer current", instanceId, containerId)
		return nil
	}
	if instance.Status == models.INSTANCE_ERRORED && instance.ErrorMessage == errorMessage {
		//redelivered job, nothing new to record
		return nil
	}
	if !instance.CanTransition(models.INSTANCE_ERRORED) {
		log.Printf("WARNING: Rejecting illegal transition %s -> errored for instance %s", instance.Status, instanceId)
		return nil
	}

	updateErr := models.UpdateInstanceFields(instanceId, map[string]interface{}{
		"status":       string(models.INSTANCE_ERRORED),
		"errorMessage": errorMessage,
	}, r.redisClient)
	if updateErr != nil {
		return updateErr
	}

	instance.Status = models.INSTANCE_ERRORED
	instance.ErrorMessage = errorMessage
	notify.EmitInstanceUpdate(instance, actingUserId, notify.EVENT_ERRORED, r.redisClient)
	return nil
}

/**
HandleContainerStarted consumes instance.container.started: inspect the
container and fold the result in. A container that vanished between the
event and the inspect will produce its own die event, so that case is a
no-op here.
*/
func (r *Reconciler) HandleContainerStarted(ctx context.Context, job *models.Job) error {
	event, instanceId, timeNano, decodeErr := decodeContainerEvent(job.Payload)
	if decodeErr != nil {
		return decodeErr
	}

	snapshot, inspectErr := r.driver.Inspect(ctx, event.Host, event.ContainerId)
	if inspectErr != nil {
		if runtime.IsNotFound(inspectErr) {
			log.Printf("DEBUG: Container %s already gone, awaiting its die event", event.ContainerId)
			return nil
		}
		return inspectErr
	}
	return r.ApplyInspectSnapshot(instanceId, event.ContainerId, snapshot, timeNano, "")
}

/**
HandleContainerCreated consumes instance.container.created: records the
fresh container reference against the instance, without touching status
(creation says nothing about whether the workload runs).
*/
func (r *Reconciler) HandleContainerCreated(ctx context.Context, job *models.Job) error {
	event, instanceId, timeNano, decodeErr := decodeContainerEvent(job.Payload)
	if decodeErr != nil {
		return decodeErr
	}

	lockErr := models.WaitForInstanceLock(instanceId, r.lockTTL, 10*time.Second, r.redisClient)
	if lockErr != nil {
		return lockErr
	}
	defer models.UnlockInstance(instanceId, r.redisClient)

	instance, findErr := models.InstanceForId(instanceId, r.redisClient)
	if findErr != nil {
		return findErr
	}
	if timeNano <= instance.LastEventAt {
		return nil
	}

	return models.UpdateInstanceFields(instanceId, map[string]interface{}{
		"containerId":    event.ContainerId,
		"containerHost":  event.Host,
		"containerState": "created",
		"lastEventAt":    timeNano,
	}, r.redisClient)
}

/**
HandleContainerDied consumes instance.container.died. Death while stopping
is the expected completion of a stop; death while running or starting is a
crash; death of a container we already replaced or stopped is stale news.
*/
func (r *Reconciler) HandleContainerDied(ctx context.Context, job *models.Job) error {
	event, instanceId, timeNano, decodeErr := decodeContainerEvent(job.Payload)
	if decodeErr != nil {
		return decodeErr
	}

	lockErr := models.WaitForInstanceLock(instanceId, r.lockTTL, 10*time.Second, r.redisClient)
	if lockErr != nil {
		return lockErr
	}
	defer models.UnlockInstance(instanceId, r.redisClient)

	instance, findErr := models.InstanceForId(instanceId, r.redisClient)
	if findErr != nil {
		return findErr
	}
	if instance.Container.ContainerId != event.ContainerId {
		//the instance was recreated with a new container between events
		log.Printf("DEBUG: Ignoring die event for superseded container %s of instance %s", event.ContainerId, instanceId)
		return nil
	}
	if timeNano <= instance.LastEventAt {
		log.Printf("DEBUG: Die event for instance %s at %d is not newer than %d, skipping", instanceId, timeNano, instance.LastEventAt)
		return nil
	}

	newStatus, meaningful := instance.DeriveDiedStatus()
	if !meaningful {
		log.Printf("DEBUG: Die event for instance %s in status %s is a no-op", instanceId, instance.Status)
		return nil
	}

	//isolation bookkeeping: a member reaching stopped may complete a group
	//kill. Published before the lastEventAt commit; the other order would let
	//a failed commit requeue the job into the staleness guard with the report
	//lost for good. A duplicate report on replay is absorbed by the group
	//coordinator, a lost one never recovers.
	if newStatus == models.INSTANCE_STOPPED && instance.IsolationId != nil {
		publishErr := models.PublishJob(models.NewJob(models.ISOLATION_INSTANCE_KILLED, map[string]interface{}{
			"isolationId": instance.IsolationId.String(),
			"instanceId":  instanceId.String(),
		}), r.redisClient)
		if publishErr != nil {
			return publishErr
		}
	}

	updateErr := models.UpdateInstanceFields(instanceId, map[string]interface{}{
		"status":         string(newStatus),
		"containerState": "exited",
		"lastEventAt":    timeNano,
	}, r.redisClient)
	if updateErr != nil {
		return updateErr
	}

	instance.Status = newStatus
	instance.Container.State = "exited"
	notify.EmitInstanceUpdate(instance, "", notify.EVENT_UPDATE, r.redisClient)
	return nil
}

/**
HandleContainerErrored consumes instance.container.errored jobs of the form
{instanceId, containerId, error}
*/
func (r *Reconciler) HandleContainerErrored(ctx context.Context, job *models.Job) error {
	instanceIdStr, _ := job.Payload["instanceId"].(string)
	containerId, _ := job.Payload["containerId"].(string)
	errorMessage, _ := job.Payload["error"].(string)
	actingUserId, _ := job.Payload["actingUserId"].(string)

	instanceId, parseErr := uuid.Parse(instanceIdStr)
	if parseErr != nil {
		return models.ValidationError{Field: "instanceId", Detail: parseErr.Error()}
	}
	return r.SetContainerError(instanceId, containerId, errorMessage, actingUserId)
}

func ContainerEventSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "instanceId", Type: runner.FIELD_STRING, Required: true},
			{Name: "containerId", Type: runner.FIELD_STRING, Required: true},
			{Name: "host", Type: runner.FIELD_STRING, Required: true},
			{Name: "timeNano", Type: runner.FIELD_STRING, Required: true},
		},
	}
}

func ContainerErrorSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "instanceId", Type: runner.FIELD_STRING, Required: true},
			{Name: "containerId", Type: runner.FIELD_STRING, Required: true},
			{Name: "error", Type: runner.FIELD_STRING, Required: true},
		},
	}
}
