package models

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
)

func keyForInstance(id uuid.UUID) string {
	return fmt.Sprintf("harbormaster:instance:%s", id.String())
}

func keyForContainerIndex(containerId string) string {
	return fmt.Sprintf("harbormaster:container:%s", containerId)
}

func keyForInstanceLock(id uuid.UUID) string {
	return fmt.Sprintf("harbormaster:instance:%s:lock", id.String())
}

const instanceIndexKey = "harbormaster:instances"

/**
flatten the instance into the hash field map used for storage. Every field is
stored individually so that partial updates can be done with a field-level
write instead of a read-modify-write of a whole document.
*/
func instanceFields(i *Instance) map[string]interface{} {
	fields := map[string]interface{}{
		"ownerId":        i.OwnerId,
		"name":           i.Name,
		"containerId":    i.Container.ContainerId,
		"containerHost":  i.Container.Host,
		"containerState": i.Container.State,
		"status":         string(i.Status),
		"masterPod":      strconv.FormatBool(i.MasterPod),
		"deleted":        strconv.FormatBool(i.Deleted),
		"errorMessage":   i.ErrorMessage,
		"lastEventAt":    strconv.FormatInt(i.LastEventAt, 10),
		"createdAt":      i.CreatedAt.Format(time.RFC3339Nano),
	}
	if i.IsolationId != nil {
		fields["isolationId"] = i.IsolationId.String()
	}
	if i.ClusterId != nil {
		fields["clusterId"] = i.ClusterId.String()
	}
	return fields
}

func instanceFromFields(id uuid.UUID, fields map[string]string) (*Instance, error) {
	masterPod, _ := strconv.ParseBool(fields["masterPod"])
	deleted, _ := strconv.ParseBool(fields["deleted"])
	lastEventAt, _ := strconv.ParseInt(fields["lastEventAt"], 10, 64)
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["createdAt"])

	inst := Instance{
		Id:      id,
		OwnerId: fields["ownerId"],
		Name:    fields["name"],
		Container: ContainerRef{
			ContainerId: fields["containerId"],
			Host:        fields["containerHost"],
			State:       fields["containerState"],
		},
		Status:       InstanceStatus(fields["status"]),
		MasterPod:    masterPod,
		Deleted:      deleted,
		ErrorMessage: fields["errorMessage"],
		LastEventAt:  lastEventAt,
		CreatedAt:    createdAt,
	}

	if isolationStr, gotIso := fields["isolationId"]; gotIso && isolationStr != "" {
		isolationId, parseErr := uuid.Parse(isolationStr)
		if parseErr != nil {
			return nil, parseErr
		}
		inst.IsolationId = &isolationId
	}
	if clusterStr, gotCluster := fields["clusterId"]; gotCluster && clusterStr != "" {
		clusterId, parseErr := uuid.Parse(clusterStr)
		if parseErr != nil {
			return nil, parseErr
		}
		inst.ClusterId = &clusterId
	}
	return &inst, nil
}

/**
write the full instance record down to the datastore, along with the
container id index entry and membership in the global instance index
*/
func (i *Instance) Store(client redis.Cmdable) error {
	dbKey := keyForInstance(i.Id)

	_, saveErr := client.HMSet(dbKey, instanceFields(i)).Result()
	if saveErr != nil {
		log.Printf("Could not save instance %s: %s", i.Id, saveErr)
		return saveErr
	}

	client.SAdd(instanceIndexKey, i.Id.String())
	if i.Container.ContainerId != "" {
		client.Set(keyForContainerIndex(i.Container.ContainerId), i.Id.String(), 0)
	}
	if i.IsolationId != nil {
		client.SAdd(keyForIsolationMembers(*i.IsolationId), i.Id.String())
	}
	return nil
}

/**
retrieve a single instance. A missing record or one carrying the soft-delete
marker yields a NotFoundError.
*/
func InstanceForId(id uuid.UUID, client redis.Cmdable) (*Instance, error) {
	dbKey := keyForInstance(id)

	fields, getErr := client.HGetAll(dbKey).Result()
	if getErr != nil {
		log.Printf("Could not retrieve instance %s: %s", id, getErr)
		return nil, getErr
	}
	if len(fields) == 0 {
		return nil, NotFoundError{What: "instance", Id: id.String()}
	}

	inst, parseErr := instanceFromFields(id, fields)
	if parseErr != nil {
		log.Printf("ERROR: Corrupted instance record %s: %s", id, parseErr)
		return nil, parseErr
	}
	if inst.Deleted {
		return nil, NotFoundError{What: "instance", Id: id.String()}
	}
	return inst, nil
}

/**
look up the instance id currently associated with the given runtime
container id. Returns NotFoundError if no instance claims the container.
*/
func InstanceIdForContainer(containerId string, client redis.Cmdable) (uuid.UUID, error) {
	idStr, getErr := client.Get(keyForContainerIndex(containerId)).Result()
	if getErr != nil {
		if getErr == redis.Nil {
			return uuid.UUID{}, NotFoundError{What: "container", Id: containerId}
		}
		log.Printf("Could not look up container index %s: %s", containerId, getErr)
		return uuid.UUID{}, getErr
	}
	return uuid.Parse(idStr)
}

/**
apply a partial field-level update to the stored instance. This is the
atomic update primitive; concurrent updates to disjoint fields do not
clobber each other.
*/
func UpdateInstanceFields(id uuid.UUID, fields map[string]interface{}, client redis.Cmdable) error {
	dbKey := keyForInstance(id)
	_, err := client.HMSet(dbKey, fields).Result()
	if err != nil {
		log.Printf("Could not update instance %s: %s", id, err)
	}
	return err
}

/**
set the soft-delete marker. The record itself is retained until the reaper
removes it; InstanceForId treats a marked record as not found.
*/
func MarkInstanceDeleted(id uuid.UUID, client redis.Cmdable) error {
	return UpdateInstanceFields(id, map[string]interface{}{
		"deleted":   "true",
		"deletedAt": time.Now().Format(time.RFC3339Nano),
	}, client)
}

func AllInstanceIds(client redis.Cmdable) ([]uuid.UUID, error) {
	members, getErr := client.SMembers(instanceIndexKey).Result()
	if getErr != nil {
		log.Printf("Could not list instance ids: %s", getErr)
		return nil, getErr
	}
	rtn := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		id, parseErr := uuid.Parse(member)
		if parseErr != nil {
			log.Printf("WARNING: Bad entry in instance index: %s", member)
			continue
		}
		rtn = append(rtn, id)
	}
	return rtn, nil
}

/**
remove all trace of the instance from the datastore. Only the reaper calls
this, and only for records that already carry the soft-delete marker.
*/
func RemoveInstanceRecord(id uuid.UUID, client redis.Cmdable) error {
	fields, getErr := client.HGetAll(keyForInstance(id)).Result()
	if getErr != nil {
		return getErr
	}
	if containerId := fields["containerId"]; containerId != "" {
		client.Del(keyForContainerIndex(containerId))
	}
	client.SRem(instanceIndexKey, id.String())
	_, delErr := client.Del(keyForInstance(id)).Result()
	return delErr
}

/** -----------------
per-instance locking
----------------
the lock serialises read-check-write sequences on one instance record
between concurrently running workers. The TTL bounds the damage of a worker
dying while holding it.
*/

func LockInstance(id uuid.UUID, ttl time.Duration, client redis.Cmdable) (bool, error) {
	acquired, err := client.SetNX(keyForInstanceLock(id), "locked", ttl).Result()
	if err != nil {
		log.Printf("Could not acquire lock for instance %s: %s", id, err)
		return false, err
	}
	return acquired, nil
}

func UnlockInstance(id uuid.UUID, client redis.Cmdable) {
	client.Del(keyForInstanceLock(id))
}

/**
block until the instance lock is acquired or the timeout elapses
*/
func WaitForInstanceLock(id uuid.UUID, ttl time.Duration, timeout time.Duration, client redis.Cmdable) error {
	deadline := time.Now().Add(timeout)
	for {
		acquired, lockErr := LockInstance(id, ttl, client)
		if lockErr != nil {
			return lockErr
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for lock on instance %s", id)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
