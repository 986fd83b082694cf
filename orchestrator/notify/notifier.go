package notify

import (
	"log"

	"github.com/go-redis/redis/v7"
	"github.com/jinzhu/copier"
	"github.com/stackhaven/harbormaster/common/models"
)

const (
	EVENT_UPDATE  = "update"
	EVENT_RESTART = "restart"
	EVENT_ERRORED = "errored"
	EVENT_START   = "start"
)

/**
EmitInstanceUpdate publishes an instance.updated notification job carrying a
snapshot of the instance, the acting user (empty for system-driven changes)
and the event name. Fire and forget: a publish failure is logged but never
fails the job that triggered the notification.
*/
func EmitInstanceUpdate(instance *models.Instance, actingUserId string, eventName string, client redis.Cmdable) {
	var snapshot models.Instance
	copyErr := copier.Copy(&snapshot, instance)
	if copyErr != nil {
		log.Printf("ERROR: Could not snapshot instance %s for notification: %s", instance.Id, copyErr)
		return
	}

	payload := map[string]interface{}{
		"instanceId":   snapshot.Id.String(),
		"event":        eventName,
		"actingUserId": actingUserId,
		"instance": map[string]interface{}{
			"id":           snapshot.Id.String(),
			"ownerId":      snapshot.OwnerId,
			"name":         snapshot.Name,
			"status":       string(snapshot.Status),
			"containerId":  snapshot.Container.ContainerId,
			"host":         snapshot.Container.Host,
			"errorMessage": snapshot.ErrorMessage,
		},
	}

	publishErr := models.PublishJob(models.NewJob(models.INSTANCE_UPDATED, payload), client)
	if publishErr != nil {
		log.Printf("ERROR: Could not emit %s notification for instance %s: %s", eventName, instance.Id, publishErr)
	}
}
