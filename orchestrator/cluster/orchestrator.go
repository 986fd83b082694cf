package cluster

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/stackhaven/harbormaster/common/models"
	"github.com/stackhaven/harbormaster/orchestrator/runner"
)

/**
Orchestrator sequences creation and teardown of a cluster: one parent
instance plus N sibling instances from a single parsed source. Instance
provisioning itself belongs to the build/provisioning subsystem; this layer
publishes the create jobs that subsystem consumes and reacts to the
created events it publishes back.
*/
type Orchestrator struct {
	redisClient *redis.Client
}

func NewOrchestrator(redisClient *redis.Client) *Orchestrator {
	return &Orchestrator{redisClient: redisClient}
}

/**
HandleCreate consumes cluster.create: parse the source, persist the cluster
record in created state, and emit the parent instance create job. A source
that cannot be parsed is fatal; redelivering it changes nothing. The cluster
id is derived from the job envelope, so a redelivered create rewrites the
same record and republishes a parent create carrying the same cluster id
instead of minting a second cluster.
*/
func (o *Orchestrator) HandleCreate(ctx context.Context, job *models.Job) error {
	configId, _ := job.Payload["configId"].(string)
	composeSource, _ := job.Payload["composeSource"].(string)
	mainService, _ := job.Payload["mainService"].(string)
	createdBy, _ := job.Payload["createdBy"].(string)
	ownerId, _ := job.Payload["ownerId"].(string)
	triggeredAction, _ := job.Payload["triggeredAction"].(string)

	services, parseErr := ParseComposeSource(composeSource, mainService)
	if parseErr != nil {
		return models.NewFatalError("cluster source for config %s is unusable: %s", configId, parseErr)
	}

	clusterRecord := models.Cluster{
		Id:              uuid.NewSHA1(job.Id, []byte("cluster")),
		ConfigId:        configId,
		CreatedBy:       createdBy,
		OwnerId:         ownerId,
		TriggeredAction: models.ClusterTrigger(triggeredAction),
		CreatedAt:       time.Now(),
	}
	storeErr := clusterRecord.Store(o.redisClient)
	if storeErr != nil {
		return storeErr
	}

	servicesJson, marshalErr := json.Marshal(services)
	if marshalErr != nil {
		return marshalErr
	}
	sourceErr := models.SetClusterSource(clusterRecord.Id, string(servicesJson), o.redisClient)
	if sourceErr != nil {
		return sourceErr
	}

	var mainDefinition ServiceDefinition
	for _, service := range services {
		if service.Main {
			mainDefinition = service
			break
		}
	}

	log.Printf("Created cluster %s for config %s with %d services", clusterRecord.Id, configId, len(services))
	return models.PublishJob(models.NewJob(models.CLUSTER_PARENT_CREATE, map[string]interface{}{
		"clusterId":       clusterRecord.Id.String(),
		"serviceName":     mainDefinition.Name,
		"image":           mainDefinition.Image,
		"command":         mainDefinition.Command,
		"createdBy":       createdBy,
		"ownerId":         ownerId,
		"triggeredAction": triggeredAction,
	}), o.redisClient)
}

/**
HandleParentCreated consumes cluster.parent.created, published once the
provisioning subsystem has built the parent instance. Exactly one sibling
create job goes out per non-main service; a source with zero siblings
signals a broken upstream parsing contract and is fatal.
*/
func (o *Orchestrator) HandleParentCreated(ctx context.Context, job *models.Job) error {
	clusterIdStr, _ := job.Payload["clusterId"].(string)
	instanceIdStr, _ := job.Payload["instanceId"].(string)

	clusterId, clusterIdErr := uuid.Parse(clusterIdStr)
	if clusterIdErr != nil {
		return models.ValidationError{Field: "clusterId", Detail: clusterIdErr.Error()}
	}
	parentInstanceId, instanceIdErr := uuid.Parse(instanceIdStr)
	if instanceIdErr != nil {
		return models.ValidationError{Field: "instanceId", Detail: instanceIdErr.Error()}
	}

	clusterRecord, findErr := models.ClusterForId(clusterId, o.redisClient)
	if findErr != nil {
		return findErr
	}

	parentErr := models.SetClusterParent(clusterId, parentInstanceId, o.redisClient)
	if parentErr != nil {
		return parentErr
	}

	servicesJson, sourceErr := models.ClusterSource(clusterId, o.redisClient)
	if sourceErr != nil {
		return sourceErr
	}
	var services []ServiceDefinition
	unmarshalErr := json.Unmarshal([]byte(servicesJson), &services)
	if unmarshalErr != nil {
		return models.NewFatalError("corrupted stored source for cluster %s: %s", clusterId, unmarshalErr)
	}

	siblings := make([]ServiceDefinition, 0, len(services))
	for _, service := range services {
		if !service.Main {
			siblings = append(siblings, service)
		}
	}
	if len(siblings) == 0 {
		return models.NewFatalError("cluster %s has no sibling services to create", clusterId)
	}

	for _, sibling := range siblings {
		publishErr := models.PublishJob(models.NewJob(models.CLUSTER_SIBLING_CREATE, map[string]interface{}{
			"clusterId":        clusterId.String(),
			"parentInstanceId": parentInstanceId.String(),
			"serviceName":      sibling.Name,
			"image":            sibling.Image,
			"command":          sibling.Command,
			"createdBy":        clusterRecord.CreatedBy,
			"ownerId":          clusterRecord.OwnerId,
		}), o.redisClient)
		if publishErr != nil {
			//each sibling is its own job; a publish failure here retries the
			//whole parent-created step, which is safe because sibling creation
			//is keyed by service name downstream
			return publishErr
		}
	}
	log.Printf("Cluster %s parent %s created, %d sibling jobs published", clusterId, parentInstanceId, len(siblings))
	return nil
}

/**
HandleSiblingCreated consumes cluster.sibling.created: append the sibling to
the cluster's membership list and emit the outward notification. The append
is atomic, so concurrently completing siblings land regardless of order.
*/
func (o *Orchestrator) HandleSiblingCreated(ctx context.Context, job *models.Job) error {
	clusterIdStr, _ := job.Payload["clusterId"].(string)
	instanceIdStr, _ := job.Payload["instanceId"].(string)
	serviceName, _ := job.Payload["serviceName"].(string)

	clusterId, clusterIdErr := uuid.Parse(clusterIdStr)
	if clusterIdErr != nil {
		return models.ValidationError{Field: "clusterId", Detail: clusterIdErr.Error()}
	}
	siblingInstanceId, instanceIdErr := uuid.Parse(instanceIdStr)
	if instanceIdErr != nil {
		return models.ValidationError{Field: "instanceId", Detail: instanceIdErr.Error()}
	}

	_, findErr := models.ClusterForId(clusterId, o.redisClient)
	if findErr != nil {
		return findErr
	}

	//redelivery guard: an id already on the list must not be appended twice
	existingIds, listErr := models.ClusterSiblingIds(clusterId, o.redisClient)
	if listErr != nil {
		return listErr
	}
	for _, existingId := range existingIds {
		if existingId == siblingInstanceId {
			log.Printf("DEBUG: Sibling %s already recorded on cluster %s", siblingInstanceId, clusterId)
			return nil
		}
	}

	appendErr := models.AppendClusterSibling(clusterId, siblingInstanceId, o.redisClient)
	if appendErr != nil {
		return appendErr
	}

	return models.PublishJob(models.NewJob(models.CLUSTER_INSTANCE_CREATED, map[string]interface{}{
		"clusterId":   clusterId.String(),
		"instanceId":  siblingInstanceId.String(),
		"serviceName": serviceName,
	}), o.redisClient)
}

/**
HandleDelete consumes cluster.delete, keyed by the parent instance id:
every sibling gets its own delete job, then the cluster record is marked
deleted. The parent's own deletion is the job that usually triggered this,
so publishing it again is an idempotent no-op at worst.
*/
func (o *Orchestrator) HandleDelete(ctx context.Context, job *models.Job) error {
	parentIdStr, _ := job.Payload["parentInstanceId"].(string)
	parentInstanceId, parseErr := uuid.Parse(parentIdStr)
	if parseErr != nil {
		return models.ValidationError{Field: "parentInstanceId", Detail: parseErr.Error()}
	}

	clusterRecord, findErr := models.ClusterForParentInstance(parentInstanceId, o.redisClient)
	if findErr != nil {
		return findErr
	}
	return o.deleteCluster(clusterRecord)
}

/**
HandleConfigDelete consumes cluster.config.delete: tear down every cluster
created from the same source configuration. Used when one compose file backs
multiple environments.
*/
func (o *Orchestrator) HandleConfigDelete(ctx context.Context, job *models.Job) error {
	configId, _ := job.Payload["configId"].(string)

	clusterIds, listErr := models.ClusterIdsForConfig(configId, o.redisClient)
	if listErr != nil {
		return listErr
	}
	if len(clusterIds) == 0 {
		log.Printf("No clusters recorded for config %s", configId)
		return nil
	}

	for _, clusterId := range clusterIds {
		clusterRecord, findErr := models.ClusterForId(clusterId, o.redisClient)
		if findErr != nil {
			if models.IsNotFound(findErr) {
				//already deleted in an earlier pass
				continue
			}
			return findErr
		}
		deleteErr := o.deleteCluster(clusterRecord)
		if deleteErr != nil {
			//remaining clusters are torn down on redelivery; deleteCluster is
			//idempotent for the ones already done
			return deleteErr
		}
	}
	return nil
}

func (o *Orchestrator) deleteCluster(clusterRecord *models.Cluster) error {
	siblingIds, listErr := models.ClusterSiblingIds(clusterRecord.Id, o.redisClient)
	if listErr != nil {
		return listErr
	}
	for _, siblingId := range siblingIds {
		publishErr := models.PublishJob(models.NewJob(models.INSTANCE_DELETE, map[string]interface{}{
			"instanceId": siblingId.String(),
		}), o.redisClient)
		if publishErr != nil {
			return publishErr
		}
	}
	if clusterRecord.ParentInstanceId != nil {
		publishErr := models.PublishJob(models.NewJob(models.INSTANCE_DELETE, map[string]interface{}{
			"instanceId": clusterRecord.ParentInstanceId.String(),
		}), o.redisClient)
		if publishErr != nil {
			return publishErr
		}
	}

	log.Printf("Deleting cluster %s with %d siblings", clusterRecord.Id, len(siblingIds))
	return models.MarkClusterDeleted(clusterRecord.Id, o.redisClient)
}

func CreateSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "configId", Type: runner.FIELD_STRING, Required: true},
			{Name: "composeSource", Type: runner.FIELD_STRING, Required: true},
			{Name: "mainService", Type: runner.FIELD_STRING, Required: true},
			{Name: "createdBy", Type: runner.FIELD_STRING, Required: true},
			{Name: "ownerId", Type: runner.FIELD_STRING, Required: true},
			{Name: "triggeredAction", Type: runner.FIELD_STRING, Required: true, Enum: []string{string(models.TRIGGER_USER), string(models.TRIGGER_WEBHOOK)}},
		},
	}
}

func ParentCreatedSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "clusterId", Type: runner.FIELD_STRING, Required: true},
			{Name: "instanceId", Type: runner.FIELD_STRING, Required: true},
		},
	}
}

func SiblingCreatedSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "clusterId", Type: runner.FIELD_STRING, Required: true},
			{Name: "instanceId", Type: runner.FIELD_STRING, Required: true},
			{Name: "serviceName", Type: runner.FIELD_STRING, Required: false},
		},
	}
}

func DeleteSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "parentInstanceId", Type: runner.FIELD_STRING, Required: true},
		},
	}
}

func ConfigDeleteSchema() runner.JobSchema {
	return runner.JobSchema{
		Fields: []runner.FieldSpec{
			{Name: "configId", Type: runner.FIELD_STRING, Required: true},
		},
	}
}
