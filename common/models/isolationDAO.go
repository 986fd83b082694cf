package models

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
)

func keyForIsolation(id uuid.UUID) string {
	return fmt.Sprintf("harbormaster:isolation:%s", id.String())
}

func keyForIsolationMembers(id uuid.UUID) string {
	return fmt.Sprintf("harbormaster:isolation:%s:members", id.String())
}

func (g *IsolationGroup) Store(client redis.Cmdable) error {
	dbKey := keyForIsolation(g.Id)

	_, saveErr := client.HMSet(dbKey, map[string]interface{}{
		"ownerId":          g.OwnerId,
		"createdBy":        g.CreatedBy,
		"state":            string(g.State),
		"masterInstanceId": g.MasterInstanceId.String(),
		"redeployOnKilled": strconv.FormatBool(g.RedeployOnKilled),
		"createdAt":        g.CreatedAt.Format(time.RFC3339Nano),
	}).Result()
	if saveErr != nil {
		log.Printf("Could not save isolation group %s: %s", g.Id, saveErr)
	}
	return saveErr
}

func IsolationGroupForId(id uuid.UUID, client redis.Cmdable) (*IsolationGroup, error) {
	dbKey := keyForIsolation(id)

	fields, getErr := client.HGetAll(dbKey).Result()
	if getErr != nil {
		log.Printf("Could not retrieve isolation group %s: %s", id, getErr)
		return nil, getErr
	}
	if len(fields) == 0 {
		return nil, NotFoundError{What: "isolation group", Id: id.String()}
	}

	masterId, parseErr := uuid.Parse(fields["masterInstanceId"])
	if parseErr != nil {
		log.Printf("ERROR: Corrupted isolation group record %s: %s", id, parseErr)
		return nil, parseErr
	}
	redeployOnKilled, _ := strconv.ParseBool(fields["redeployOnKilled"])
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["createdAt"])

	return &IsolationGroup{
		Id:               id,
		OwnerId:          fields["ownerId"],
		CreatedBy:        fields["createdBy"],
		State:            IsolationState(fields["state"]),
		MasterInstanceId: masterId,
		RedeployOnKilled: redeployOnKilled,
		CreatedAt:        createdAt,
	}, nil
}

/**
atomic partial update of the group record, used to flip the state flag
before any fan-out happens
*/
func UpdateIsolationFields(id uuid.UUID, fields map[string]interface{}, client redis.Cmdable) error {
	_, err := client.HMSet(keyForIsolation(id), fields).Result()
	if err != nil {
		log.Printf("Could not update isolation group %s: %s", id, err)
	}
	return err
}

/**
list the ids of every instance belonging to the group
*/
func IsolationMemberIds(id uuid.UUID, client redis.Cmdable) ([]uuid.UUID, error) {
	members, getErr := client.SMembers(keyForIsolationMembers(id)).Result()
	if getErr != nil {
		log.Printf("Could not list members of isolation group %s: %s", id, getErr)
		return nil, getErr
	}

	rtn := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		memberId, parseErr := uuid.Parse(member)
		if parseErr != nil {
			log.Printf("WARNING: Bad entry in isolation member index %s: %s", id, member)
			continue
		}
		rtn = append(rtn, memberId)
	}
	return rtn, nil
}

func AddIsolationMember(groupId uuid.UUID, instanceId uuid.UUID, client redis.Cmdable) error {
	_, err := client.SAdd(keyForIsolationMembers(groupId), instanceId.String()).Result()
	return err
}

func RemoveIsolationGroup(id uuid.UUID, client redis.Cmdable) error {
	client.Del(keyForIsolationMembers(id))
	_, delErr := client.Del(keyForIsolation(id)).Result()
	if delErr != nil {
		log.Printf("Could not remove isolation group %s: %s", id, delErr)
	}
	return delErr
}
