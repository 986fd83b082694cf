package classifier

import (
	"context"
	"log"

	"github.com/go-redis/redis/v7"
	"github.com/mitchellh/mapstructure"
	"github.com/stackhaven/harbormaster/common/models"
	"github.com/stackhaven/harbormaster/common/runtime"
	"github.com/stackhaven/harbormaster/orchestrator/runner"
)

/**
labels attached at container-creation time identifying the container's role
on the platform
*/
const (
	LABEL_INSTANCE_ID = "com.stackhaven.instance-id"
	LABEL_ROLE        = "com.stackhaven.role"

	ROLE_LABEL_IMAGE_BUILDER = "image-builder"
	ROLE_LABEL_DEBUG         = "debug"
)

type ContainerRole int

const (
	ROLE_UNRECOGNIZED ContainerRole = iota
	ROLE_INSTANCE
	ROLE_IMAGE_BUILDER
	ROLE_DEBUG
)

const (
	ACTION_CREATE = "create"
	ACTION_START  = "start"
	ACTION_DIE    = "die"
)

/**
the shape of a container.lifecycle.event payload once decoded
*/
type LifecycleEvent struct {
	Action      string            `mapstructure:"action"`
	ContainerId string            `mapstructure:"containerId"`
	Host        string            `mapstructure:"host"`
	TimeNano    string            `mapstructure:"timeNano"`
	Attributes  map[string]string `mapstructure:"attributes"`
}

/**
Classifier maps low-level container runtime events onto zero or one typed
follow-up job. Containers that carry no recognised role label are ignored
on purpose; that silence is an explicit case, not an error.
*/
type Classifier struct {
	redisClient *redis.Client
	driver      runtime.ContainerDriver
}

func NewClassifier(redisClient *redis.Client, driver runtime.ContainerDriver) *Classifier {
	return &Classifier{
		redisClient: redisClient,
		driver:      driver,
	}
}

/**
ClassifyLabels resolves a label map to the closed set of recognised roles.
The instance-id label wins over a role label if both are present, since an
instance container is the only kind the reconciler may write state for.
*/
func ClassifyLabels(labels map[string]string) (ContainerRole, string) {
	if instanceId, hasInstance := labels[LABEL_INSTANCE_ID]; hasInstance && instanceId != "" {
		return ROLE_INSTANCE, instanceId
	}
	switch labels[LABEL_ROLE] {
	case ROLE_LABEL_IMAGE_BUILDER:
		return ROLE_IMAGE_BUILDER, ""
	case ROLE_LABEL_DEBUG:
		return ROLE_DEBUG, ""
	default:
		return ROLE_UNRECOGNIZED, ""
	}
}

/**
HandleLifecycleEvent is the worker entry point for
container.lifecycle.event jobs
*/
func (c *Classifier) HandleLifecycleEvent(ctx context.Context, job *models.Job) error {
	var event LifecycleEvent
	decodeErr := mapstructure.Decode(job.Payload, &event)
	if decodeErr != nil {
		return models.ValidationError{Field: "payload", Detail: decodeErr.Error()}
	}

	labels := c.labelsForEvent(ctx, &event)
	role, instanceId := ClassifyLabels(labels)

	switch role {
	case ROLE_INSTANCE:
		return c.publishInstanceEvent(&event, instanceId)
	case ROLE_IMAGE_BUILDER:
		return c.publishImageBuilderEvent(&event)
	case ROLE_DEBUG, ROLE_UNRECOGNIZED:
		//intentional silence: not every container on the fleet is ours to track
		log.Printf("DEBUG: Ignoring %s event for container %s with no recognised role", event.Action, event.ContainerId)
		return nil
	}
	return nil
}

/**
labels come from a live inspect where possible. A die event often races
container removal, so for those the label set the watcher captured from the
event stream is an acceptable substitute; a vanished container with no
captured attributes is simply unidentifiable and gets ignored via the
unrecognised role.
*/
func (c *Classifier) labelsForEvent(ctx context.Context, event *LifecycleEvent) map[string]string {
	snapshot, inspectErr := c.driver.Inspect(ctx, event.Host, event.ContainerId)
	if inspectErr == nil && snapshot.Labels != nil {
		return snapshot.Labels
	}
	if inspectErr != nil && !runtime.IsNotFound(inspectErr) {
		log.Printf("WARNING: Could not inspect container %s on %s, falling back to event attributes: %s",
			event.ContainerId, event.Host, inspectErr)
	}
	return event.Attributes
}

func (c *Classifier) publishInstanceEvent(event *LifecycleEvent, instanceId string) error {
	var jobType models.JobType
	switch event.Action {
	case ACTION_CREATE:
		jobType = models.INSTANCE_CONTAINER_CREATED
	case ACTION_START:
		jobType = models.INSTANCE_CONTAINER_STARTED
	case ACTION_DIE:
		jobType = models.INSTANCE_CONTAINER_DIED
	default:
		log.Printf("DEBUG: Ignoring unhandled action %s for instance container %s", event.Action, event.ContainerId)
		return nil
	}

	publishErr := models.PublishJob(models.NewJob(jobType, map[string]interface{}{
		"instanceId":  instanceId,
		"containerId": event.ContainerId,
		"host":        event.Host,
		"timeNano":    event.TimeNano,
	}), c.redisClient)
	if publishErr != nil {
		//transient: requeue and re-classify
		return publishErr
	}
	return nil
}

func (c *Classifier) publishImageBuilderEvent(event *LifecycleEvent) error {
	if event.Action != ACTION_DIE {
		//only completion matters for builders; create/start are noise
		log.Printf("DEBUG: Ignoring %s event for image builder container %s", event.Action, event.ContainerId)
		return nil
	}
	return models.PublishJob(models.NewJob(models.IMAGE_BUILDER_DIED, map[string]interface{}{
		"containerId": event.ContainerId,
		"host":        event.Host,
		"timeNano":    event.TimeNano,
	}), c.redisClient)
}

/**
the schema container.lifecycle.event payloads must satisfy before
classification runs
*/
func LifecycleEventSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "action", Type: runner.FIELD_STRING, Required: true, Enum: []string{ACTION_CREATE, ACTION_START, ACTION_DIE}},
			{Name: "containerId", Type: runner.FIELD_STRING, Required: true},
			{Name: "host", Type: runner.FIELD_STRING, Required: true},
			{Name: "timeNano", Type: runner.FIELD_STRING, Required: true},
			{Name: "attributes", Type: runner.FIELD_OBJECT, Required: false},
		},
	}
}
