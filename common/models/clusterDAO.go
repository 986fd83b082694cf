package models

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
)

func keyForCluster(id uuid.UUID) string {
	return fmt.Sprintf("harbormaster:cluster:%s", id.String())
}

func keyForClusterSiblings(id uuid.UUID) string {
	return fmt.Sprintf("harbormaster:cluster:%s:siblings", id.String())
}

func keyForClusterParentIndex(parentInstanceId uuid.UUID) string {
	return fmt.Sprintf("harbormaster:clusterparent:%s", parentInstanceId.String())
}

func keyForClusterConfigIndex(configId string) string {
	return fmt.Sprintf("harbormaster:clusterconfig:%s", configId)
}

func (c *Cluster) Store(client redis.Cmdable) error {
	dbKey := keyForCluster(c.Id)

	fields := map[string]interface{}{
		"configId":        c.ConfigId,
		"createdBy":       c.CreatedBy,
		"ownerId":         c.OwnerId,
		"triggeredAction": string(c.TriggeredAction),
		"deleted":         strconv.FormatBool(c.Deleted),
		"createdAt":       c.CreatedAt.Format(time.RFC3339Nano),
	}
	if c.ParentInstanceId != nil {
		fields["parentInstanceId"] = c.ParentInstanceId.String()
	}

	_, saveErr := client.HMSet(dbKey, fields).Result()
	if saveErr != nil {
		log.Printf("Could not save cluster %s: %s", c.Id, saveErr)
		return saveErr
	}

	if c.ConfigId != "" {
		client.SAdd(keyForClusterConfigIndex(c.ConfigId), c.Id.String())
	}
	if c.ParentInstanceId != nil {
		client.Set(keyForClusterParentIndex(*c.ParentInstanceId), c.Id.String(), 0)
	}
	return nil
}

func ClusterForId(id uuid.UUID, client redis.Cmdable) (*Cluster, error) {
	fields, getErr := client.HGetAll(keyForCluster(id)).Result()
	if getErr != nil {
		log.Printf("Could not retrieve cluster %s: %s", id, getErr)
		return nil, getErr
	}
	if len(fields) == 0 {
		return nil, NotFoundError{What: "cluster", Id: id.String()}
	}

	deleted, _ := strconv.ParseBool(fields["deleted"])
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["createdAt"])

	cluster := Cluster{
		Id:              id,
		ConfigId:        fields["configId"],
		CreatedBy:       fields["createdBy"],
		OwnerId:         fields["ownerId"],
		TriggeredAction: ClusterTrigger(fields["triggeredAction"]),
		Deleted:         deleted,
		CreatedAt:       createdAt,
	}
	if parentStr := fields["parentInstanceId"]; parentStr != "" {
		parentId, parseErr := uuid.Parse(parentStr)
		if parseErr != nil {
			log.Printf("ERROR: Corrupted cluster record %s: %s", id, parseErr)
			return nil, parseErr
		}
		cluster.ParentInstanceId = &parentId
	}
	if cluster.Deleted {
		return nil, NotFoundError{What: "cluster", Id: id.String()}
	}
	return &cluster, nil
}

/**
look up a cluster by the id of its parent instance
*/
func ClusterForParentInstance(parentInstanceId uuid.UUID, client redis.Cmdable) (*Cluster, error) {
	idStr, getErr := client.Get(keyForClusterParentIndex(parentInstanceId)).Result()
	if getErr != nil {
		if getErr == redis.Nil {
			return nil, NotFoundError{What: "cluster for parent instance", Id: parentInstanceId.String()}
		}
		log.Printf("Could not look up cluster parent index %s: %s", parentInstanceId, getErr)
		return nil, getErr
	}
	clusterId, parseErr := uuid.Parse(idStr)
	if parseErr != nil {
		return nil, parseErr
	}
	return ClusterForId(clusterId, client)
}

/**
every cluster created from the given source configuration
*/
func ClusterIdsForConfig(configId string, client redis.Cmdable) ([]uuid.UUID, error) {
	members, getErr := client.SMembers(keyForClusterConfigIndex(configId)).Result()
	if getErr != nil {
		log.Printf("Could not list clusters for config %s: %s", configId, getErr)
		return nil, getErr
	}
	rtn := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		id, parseErr := uuid.Parse(member)
		if parseErr != nil {
			log.Printf("WARNING: Bad entry in cluster config index %s: %s", configId, member)
			continue
		}
		rtn = append(rtn, id)
	}
	return rtn, nil
}

/**
record the parent instance on the cluster once it exists, maintaining the
parent index alongside
*/
func SetClusterParent(clusterId uuid.UUID, parentInstanceId uuid.UUID, client redis.Cmdable) error {
	_, setErr := client.HSet(keyForCluster(clusterId), "parentInstanceId", parentInstanceId.String()).Result()
	if setErr != nil {
		log.Printf("Could not set parent on cluster %s: %s", clusterId, setErr)
		return setErr
	}
	client.Set(keyForClusterParentIndex(parentInstanceId), clusterId.String(), 0)
	return nil
}

/**
append a completed sibling's id to the cluster's sibling list. RPUSH is the
atomic append; two sibling-create jobs finishing at the same moment both
land in the list regardless of order.
*/
func AppendClusterSibling(clusterId uuid.UUID, siblingInstanceId uuid.UUID, client redis.Cmdable) error {
	_, pushErr := client.RPush(keyForClusterSiblings(clusterId), siblingInstanceId.String()).Result()
	if pushErr != nil {
		log.Printf("Could not append sibling %s to cluster %s: %s", siblingInstanceId, clusterId, pushErr)
	}
	return pushErr
}

func ClusterSiblingIds(clusterId uuid.UUID, client redis.Cmdable) ([]uuid.UUID, error) {
	rawIds, getErr := client.LRange(keyForClusterSiblings(clusterId), 0, -1).Result()
	if getErr != nil {
		log.Printf("Could not list siblings of cluster %s: %s", clusterId, getErr)
		return nil, getErr
	}
	rtn := make([]uuid.UUID, 0, len(rawIds))
	for _, rawId := range rawIds {
		id, parseErr := uuid.Parse(rawId)
		if parseErr != nil {
			log.Printf("WARNING: Bad entry in sibling list for cluster %s: %s", clusterId, rawId)
			continue
		}
		rtn = append(rtn, id)
	}
	return rtn, nil
}

/**
the parsed service definitions are stored as an opaque blob next to the
cluster record; the orchestrator re-reads them when the parent instance
materialises
*/
func SetClusterSource(clusterId uuid.UUID, servicesJson string, client redis.Cmdable) error {
	_, err := client.HSet(keyForCluster(clusterId), "services", servicesJson).Result()
	if err != nil {
		log.Printf("Could not store source for cluster %s: %s", clusterId, err)
	}
	return err
}

func ClusterSource(clusterId uuid.UUID, client redis.Cmdable) (string, error) {
	servicesJson, getErr := client.HGet(keyForCluster(clusterId), "services").Result()
	if getErr != nil {
		if getErr == redis.Nil {
			return "", NotFoundError{What: "cluster source", Id: clusterId.String()}
		}
		log.Printf("Could not retrieve source for cluster %s: %s", clusterId, getErr)
		return "", getErr
	}
	return servicesJson, nil
}

func MarkClusterDeleted(id uuid.UUID, client redis.Cmdable) error {
	_, err := client.HMSet(keyForCluster(id), map[string]interface{}{
		"deleted":   "true",
		"deletedAt": time.Now().Format(time.RFC3339Nano),
	}).Result()
	if err != nil {
		log.Printf("Could not mark cluster %s deleted: %s", id, err)
	}
	return err
}
