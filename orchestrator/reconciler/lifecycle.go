package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stackhaven/harbormaster/common/models"
	"github.com/stackhaven/harbormaster/common/runtime"
	"github.com/stackhaven/harbormaster/orchestrator/notify"
	"github.com/stackhaven/harbormaster/orchestrator/runner"
)

/**
HandleInstanceKill consumes instance.kill: mark the instance stopping and
issue the runtime stop. The eventual die event completes the transition to
stopped. A redelivered kill that finds the instance already stopping
reissues the stop; the status write may have committed on a delivery whose
runtime call then failed, and the stop is what actually gets the container
down.
*/
func (r *Reconciler) HandleInstanceKill(ctx context.Context, job *models.Job) error {
	instanceIdStr, _ := job.Payload["instanceId"].(string)
	actingUserId, _ := job.Payload["actingUserId"].(string)
	instanceId, parseErr := uuid.Parse(instanceIdStr)
	if parseErr != nil {
		return models.ValidationError{Field: "instanceId", Detail: parseErr.Error()}
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
	if instance.Status == models.INSTANCE_STARTING {
		log.Printf("DEBUG: Instance %s is starting, leaving kill to the in-flight action", instanceId)
		return nil
	}
	if instance.Status == models.INSTANCE_STOPPING {
		log.Printf("DEBUG: Instance %s already stopping, reissuing the runtime stop", instanceId)
	} else {
		if !instance.CanTransition(models.INSTANCE_STOPPING) {
			log.Printf("DEBUG: Kill for instance %s in status %s is a no-op", instanceId, instance.Status)
			return nil
		}
		updateErr := models.UpdateInstanceFields(instanceId, map[string]interface{}{
			"status": string(models.INSTANCE_STOPPING),
		}, r.redisClient)
		if updateErr != nil {
			return updateErr
		}
		instance.Status = models.INSTANCE_STOPPING
		notify.EmitInstanceUpdate(instance, actingUserId, notify.EVENT_UPDATE, r.redisClient)
	}

	stopErr := r.driver.Stop(ctx, instance.Container.Host, instance.Container.ContainerId)
	if stopErr != nil {
		if runtime.IsNotFound(stopErr) {
			//container already gone; reconcile straight to stopped
			log.Printf("DEBUG: Container %s of instance %s already removed, marking stopped", instance.Container.ContainerId, instanceId)
			finishErr := models.UpdateInstanceFields(instanceId, map[string]interface{}{
				"status":         string(models.INSTANCE_STOPPED),
				"containerState": "exited",
			}, r.redisClient)
			if finishErr != nil {
				return finishErr
			}
			instance.Status = models.INSTANCE_STOPPED
			notify.EmitInstanceUpdate(instance, actingUserId, notify.EVENT_UPDATE, r.redisClient)
			return nil
		}
		return stopErr
	}
	return nil
}

/**
HandleInstanceRestart consumes instance.restart. An instance that is
stopping right now cannot be restarted yet; that is a transient condition
and the job retries once the stop settles. A redelivery that finds the
instance already starting reissues the runtime restart, for the same
reason kill reissues its stop.
*/
func (r *Reconciler) HandleInstanceRestart(ctx context.Context, job *models.Job) error {
	instanceIdStr, _ := job.Payload["instanceId"].(string)
	actingUserId, _ := job.Payload["actingUserId"].(string)
	instanceId, parseErr := uuid.Parse(instanceIdStr)
	if parseErr != nil {
		return models.ValidationError{Field: "instanceId", Detail: parseErr.Error()}
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
	if instance.Status == models.INSTANCE_STOPPING {
		//transient on purpose: the retry lands once the stop settles
		return fmt.Errorf("instance %s is stopping, restart must wait", instanceId)
	}
	if instance.Status == models.INSTANCE_STARTING {
		log.Printf("DEBUG: Instance %s already starting, reissuing the runtime restart", instanceId)
	} else {
		updateErr := models.UpdateInstanceFields(instanceId, map[string]interface{}{
			"status": string(models.INSTANCE_STARTING),
		}, r.redisClient)
		if updateErr != nil {
			return updateErr
		}
		instance.Status = models.INSTANCE_STARTING
		notify.EmitInstanceUpdate(instance, actingUserId, notify.EVENT_RESTART, r.redisClient)
	}

	restartErr := r.driver.Restart(ctx, instance.Container.Host, instance.Container.ContainerId)
	if restartErr != nil {
		if runtime.IsNotFound(restartErr) {
			return models.NotFoundError{What: "container", Id: instance.Container.ContainerId}
		}
		return restartErr
	}
	return nil
}

/**
cascade policy: deleting an instance fans out to everything that exists
because of it. Each leg is its own idempotent job so a partial cascade
failure resumes instead of replaying the whole chain.

  master instance -> isolation children, isolation group record
  cluster parent  -> cluster teardown (which fans out to siblings)
  any instance    -> its runtime container
*/
func (r *Reconciler) HandleInstanceDelete(ctx context.Context, job *models.Job) error {
	instanceIdStr, _ := job.Payload["instanceId"].(string)
	instanceId, parseErr := uuid.Parse(instanceIdStr)
	if parseErr != nil {
		return models.ValidationError{Field: "instanceId", Detail: parseErr.Error()}
	}

	lockErr := models.WaitForInstanceLock(instanceId, r.lockTTL, 10*time.Second, r.redisClient)
	if lockErr != nil {
		return lockErr
	}
	defer models.UnlockInstance(instanceId, r.redisClient)

	instance, findErr := models.InstanceForId(instanceId, r.redisClient)
	if findErr != nil {
		if models.IsNotFound(findErr) {
			//already deleted; redelivery of a completed delete
			log.Printf("DEBUG: Instance %s already deleted", instanceId)
			return nil
		}
		return findErr
	}

	if instance.MasterPod && instance.IsolationId != nil {
		cascadeErr := r.cascadeIsolationDelete(instance)
		if cascadeErr != nil {
			return cascadeErr
		}
	}

	if clusterId := instance.ClusterId; clusterId != nil {
		cluster, clusterErr := models.ClusterForId(*clusterId, r.redisClient)
		if clusterErr == nil && cluster.ParentInstanceId != nil && *cluster.ParentInstanceId == instanceId {
			publishErr := models.PublishJob(models.NewJob(models.CLUSTER_DELETE, map[string]interface{}{
				"parentInstanceId": instanceId.String(),
			}), r.redisClient)
			if publishErr != nil {
				return publishErr
			}
		}
	}

	if instance.Container.ContainerId != "" {
		removeErr := r.driver.Remove(ctx, instance.Container.Host, instance.Container.ContainerId)
		if removeErr != nil && !runtime.IsNotFound(removeErr) {
			return removeErr
		}
	}

	deleteErr := models.MarkInstanceDeleted(instanceId, r.redisClient)
	if deleteErr != nil {
		return deleteErr
	}
	instance.Deleted = true
	notify.EmitInstanceUpdate(instance, "", notify.EVENT_UPDATE, r.redisClient)
	return nil
}

/**
each isolated child gets its own independent delete job; the group record
goes away with the master
*/
func (r *Reconciler) cascadeIsolationDelete(master *models.Instance) error {
	groupId := *master.IsolationId
	memberIds, membersErr := models.IsolationMemberIds(groupId, r.redisClient)
	if membersErr != nil {
		return membersErr
	}
	for _, memberId := range memberIds {
		if memberId == master.Id {
			continue
		}
		publishErr := models.PublishJob(models.NewJob(models.INSTANCE_DELETE, map[string]interface{}{
			"instanceId": memberId.String(),
		}), r.redisClient)
		if publishErr != nil {
			return publishErr
		}
	}
	return models.RemoveIsolationGroup(groupId, r.redisClient)
}

/**
HandleImageBuilderDied consumes image-builder.container.died. The build
subsystem that consumes build outcomes is an external collaborator; this
layer only acknowledges the typed event so it is observable.
*/
func (r *Reconciler) HandleImageBuilderDied(ctx context.Context, job *models.Job) error {
	containerId, _ := job.Payload["containerId"].(string)
	host, _ := job.Payload["host"].(string)
	log.Printf("Image builder container %s on %s completed", containerId, host)
	return nil
}

func InstanceActionSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "instanceId", Type: runner.FIELD_STRING, Required: true},
			{Name: "actingUserId", Type: runner.FIELD_STRING, Required: false},
		},
	}
}

func ImageBuilderDiedSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "containerId", Type: runner.FIELD_STRING, Required: true},
			{Name: "host", Type: runner.FIELD_STRING, Required: true},
			{Name: "timeNano", Type: runner.FIELD_STRING, Required: true},
		},
	}
}
