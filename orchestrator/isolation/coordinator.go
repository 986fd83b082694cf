package isolation

import (
	"context"
	"log"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/stackhaven/harbormaster/common/models"
	"github.com/stackhaven/harbormaster/orchestrator/runner"
)

/**
Coordinator drives group-level stop and redeploy across the member
instances of an isolation group. It never writes instance state itself;
every per-instance action goes back through the queue as an instance.kill
or instance.restart job consumed by the reconciler.

The persisted group state flag is written before any fan-out happens, and
re-read immediately after. That flag-then-branch sequence is what collapses
the race between a stop request and a concurrent redeploy request: whichever
intent is recorded on the group when the stop gets around to fanning out is
the one that wins.
*/
type Coordinator struct {
	redisClient *redis.Client
}

func NewCoordinator(redisClient *redis.Client) *Coordinator {
	return &Coordinator{redisClient: redisClient}
}

func parseGroupId(payload map[string]interface{}) (uuid.UUID, error) {
	groupIdStr, _ := payload["isolationId"].(string)
	groupId, parseErr := uuid.Parse(groupIdStr)
	if parseErr != nil {
		return uuid.UUID{}, models.ValidationError{Field: "isolationId", Detail: parseErr.Error()}
	}
	return groupId, nil
}

/**
HandleKill consumes isolation.kill: record the killing state, then decide
whether this group should in fact redeploy instead, and otherwise fan a
kill out to every member that is not already mid-start.
*/
func (c *Coordinator) HandleKill(ctx context.Context, job *models.Job) error {
	groupId, idErr := parseGroupId(job.Payload)
	if idErr != nil {
		return idErr
	}

	_, findErr := models.IsolationGroupForId(groupId, c.redisClient)
	if findErr != nil {
		return findErr
	}

	stateErr := models.UpdateIsolationFields(groupId, map[string]interface{}{
		"state": string(models.ISOLATION_KILLING),
	}, c.redisClient)
	if stateErr != nil {
		return stateErr
	}

	//re-read: a redeploy request may have been recorded between the fetch
	//above and the flag write
	group, refetchErr := models.IsolationGroupForId(groupId, c.redisClient)
	if refetchErr != nil {
		return refetchErr
	}
	if group.RedeployOnKilled {
		log.Printf("Isolation group %s has a pending redeploy, redeploying instead of killing", groupId)
		clearErr := models.UpdateIsolationFields(groupId, map[string]interface{}{
			"redeployOnKilled": "false",
		}, c.redisClient)
		if clearErr != nil {
			return clearErr
		}
		return models.PublishJob(models.NewJob(models.ISOLATION_REDEPLOY, map[string]interface{}{
			"isolationId": groupId.String(),
		}), c.redisClient)
	}

	memberIds, membersErr := models.IsolationMemberIds(groupId, c.redisClient)
	if membersErr != nil {
		return membersErr
	}

	for _, memberId := range memberIds {
		member, memberErr := models.InstanceForId(memberId, c.redisClient)
		if memberErr != nil {
			//one stuck or vanished member must not block the rest of the group
			log.Printf("WARNING: Could not fetch isolation member %s of group %s: %s", memberId, groupId, memberErr)
			continue
		}
		if member.Status == models.INSTANCE_STARTING {
			//killing a starting instance races its own start; the start worker
			//settles it first
			log.Printf("DEBUG: Skipping kill for member %s of group %s: still starting", memberId, groupId)
			continue
		}
		publishErr := models.PublishJob(models.NewJob(models.INSTANCE_KILL, map[string]interface{}{
			"instanceId": memberId.String(),
		}), c.redisClient)
		if publishErr != nil {
			log.Printf("ERROR: Could not publish kill for member %s of group %s: %s", memberId, groupId, publishErr)
			continue
		}
	}
	return nil
}

/**
HandleRedeploy consumes isolation.redeploy: flip the group into
redeploying, clear any stopping intent, and restart every member tagged
with the group owner for notification purposes.
*/
func (c *Coordinator) HandleRedeploy(ctx context.Context, job *models.Job) error {
	groupId, idErr := parseGroupId(job.Payload)
	if idErr != nil {
		return idErr
	}

	group, findErr := models.IsolationGroupForId(groupId, c.redisClient)
	if findErr != nil {
		return findErr
	}

	stateErr := models.UpdateIsolationFields(groupId, map[string]interface{}{
		"state":            string(models.ISOLATION_REDEPLOYING),
		"redeployOnKilled": "false",
	}, c.redisClient)
	if stateErr != nil {
		return stateErr
	}

	memberIds, membersErr := models.IsolationMemberIds(groupId, c.redisClient)
	if membersErr != nil {
		return membersErr
	}

	for _, memberId := range memberIds {
		publishErr := models.PublishJob(models.NewJob(models.INSTANCE_RESTART, map[string]interface{}{
			"instanceId":   memberId.String(),
			"actingUserId": group.OwnerId,
		}), c.redisClient)
		if publishErr != nil {
			log.Printf("ERROR: Could not publish restart for member %s of group %s: %s", memberId, groupId, publishErr)
			continue
		}
	}
	return nil
}

/**
HandleInstanceKilled consumes isolation.instance.killed bookkeeping events
from the reconciler. Once every member has settled out of running states the
group converges to killed, and a redeploy recorded while the kill was in
flight fires now.
*/
func (c *Coordinator) HandleInstanceKilled(ctx context.Context, job *models.Job) error {
	groupId, idErr := parseGroupId(job.Payload)
	if idErr != nil {
		return idErr
	}

	group, findErr := models.IsolationGroupForId(groupId, c.redisClient)
	if findErr != nil {
		return findErr
	}
	if group.State != models.ISOLATION_KILLING {
		//stale bookkeeping from an earlier kill cycle
		log.Printf("DEBUG: Ignoring member-killed event for group %s in state %s", groupId, group.State)
		return nil
	}

	memberIds, membersErr := models.IsolationMemberIds(groupId, c.redisClient)
	if membersErr != nil {
		return membersErr
	}
	for _, memberId := range memberIds {
		member, memberErr := models.InstanceForId(memberId, c.redisClient)
		if memberErr != nil {
			//deleted members count as settled
			continue
		}
		if member.Status == models.INSTANCE_RUNNING || member.MidTransition() {
			//group is not fully killed yet; a later event re-checks
			return nil
		}
	}

	stateErr := models.UpdateIsolationFields(groupId, map[string]interface{}{
		"state": string(models.ISOLATION_KILLED),
	}, c.redisClient)
	if stateErr != nil {
		return stateErr
	}
	log.Printf("Isolation group %s is fully killed", groupId)

	//re-read: a redeploy intent recorded after the fetch at handler entry
	//must fire now, not sit stranded until the next kill cycle
	group, refetchErr := models.IsolationGroupForId(groupId, c.redisClient)
	if refetchErr != nil {
		return refetchErr
	}
	if group.RedeployOnKilled {
		clearErr := models.UpdateIsolationFields(groupId, map[string]interface{}{
			"redeployOnKilled": "false",
		}, c.redisClient)
		if clearErr != nil {
			return clearErr
		}
		return models.PublishJob(models.NewJob(models.ISOLATION_REDEPLOY, map[string]interface{}{
			"isolationId": groupId.String(),
		}), c.redisClient)
	}
	return nil
}

func GroupActionSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "isolationId", Type: runner.FIELD_STRING, Required: true},
		},
	}
}

func InstanceKilledSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "isolationId", Type: runner.FIELD_STRING, Required: true},
			{Name: "instanceId", Type: runner.FIELD_STRING, Required: true},
		},
	}
}
