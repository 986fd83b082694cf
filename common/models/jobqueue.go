package models

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
)

type JobType string

const (
	//raw runtime events published by the event watcher
	CONTAINER_LIFECYCLE_EVENT JobType = "container.lifecycle.event"
	//typed events published by the classifier
	INSTANCE_CONTAINER_CREATED JobType = "instance.container.created"
	INSTANCE_CONTAINER_STARTED JobType = "instance.container.started"
	INSTANCE_CONTAINER_DIED    JobType = "instance.container.died"
	IMAGE_BUILDER_DIED         JobType = "image-builder.container.died"
	//instance lifecycle commands
	INSTANCE_CONTAINER_ERRORED JobType = "instance.container.errored"
	INSTANCE_KILL              JobType = "instance.kill"
	INSTANCE_RESTART           JobType = "instance.restart"
	INSTANCE_DELETE            JobType = "instance.delete"
	//isolation group coordination
	ISOLATION_KILL            JobType = "isolation.kill"
	ISOLATION_REDEPLOY        JobType = "isolation.redeploy"
	ISOLATION_INSTANCE_KILLED JobType = "isolation.instance.killed"
	//cluster orchestration
	CLUSTER_CREATE           JobType = "cluster.create"
	CLUSTER_PARENT_CREATE    JobType = "cluster.parent.create"
	CLUSTER_PARENT_CREATED   JobType = "cluster.parent.created"
	CLUSTER_SIBLING_CREATE   JobType = "cluster.sibling.create"
	CLUSTER_SIBLING_CREATED  JobType = "cluster.sibling.created"
	CLUSTER_INSTANCE_CREATED JobType = "cluster.instance.created"
	CLUSTER_DELETE           JobType = "cluster.delete"
	CLUSTER_CONFIG_DELETE    JobType = "cluster.config.delete"
	//outbound notifications, consumed by the external notifier
	INSTANCE_UPDATED JobType = "instance.updated"
)

const deadLetterKey = "harbormaster:jobs:deadletter"

func keyForJobQueue(jobType JobType) string {
	return fmt.Sprintf("harbormaster:jobs:%s", jobType)
}

/**
Job is the envelope every queued payload travels in. Delivery is
at-least-once: a consumer that fails transiently requeues the envelope with
the attempt counter bumped, so handlers must be idempotent under redelivery.
*/
type Job struct {
	Id         uuid.UUID              `json:"id"`
	Type       JobType                `json:"type"`
	Attempts   int                    `json:"attempts"`
	Payload    map[string]interface{} `json:"payload"`
	EnqueuedAt time.Time              `json:"enqueuedAt"`
}

type DeadLetter struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

func NewJob(jobType JobType, payload map[string]interface{}) *Job {
	return &Job{
		Id:         uuid.New(),
		Type:       jobType,
		Attempts:   0,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

/**
push the job onto the queue for its type
*/
func PublishJob(job *Job, client redis.Cmdable) error {
	encodedContent, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		log.Print("Could not encode content for ", job.Id, ": ", marshalErr)
		return marshalErr
	}

	_, pushErr := client.RPush(keyForJobQueue(job.Type), string(encodedContent)).Result()
	if pushErr != nil {
		log.Printf("Could not push job %s to %s: %s", job.Id, job.Type, pushErr)
		return pushErr
	}
	return nil
}

/**
pop the next job for the given type. Returns nil with no error when the
queue is empty.
*/
func NextJob(jobType JobType, client redis.Cmdable) (*Job, error) {
	content, getErr := client.LPop(keyForJobQueue(jobType)).Result()
	if getErr != nil {
		if getErr == redis.Nil {
			return nil, nil
		}
		log.Print("ERROR: Could not get next item from job queue: ", getErr)
		return nil, getErr
	}
	if content == "" {
		return nil, nil
	}

	var job Job
	unmarshalErr := json.Unmarshal([]byte(content), &job)
	if unmarshalErr != nil {
		//it's already been removed by the LPOP operation
		log.Print("ERROR: Could not decode item from job queue: ", unmarshalErr)
		return nil, unmarshalErr
	}
	return &job, nil
}

/**
put a transiently failed job back on its queue, or dead-letter it once the
attempt budget has been spent
*/
func RequeueJob(job *Job, maxAttempts int, reason string, client redis.Cmdable) error {
	job.Attempts++
	if job.Attempts >= maxAttempts {
		log.Printf("WARNING: Job %s (%s) exhausted %d attempts, dead-lettering", job.Id, job.Type, maxAttempts)
		return DeadLetterJob(job, reason, client)
	}
	return PublishJob(job, client)
}

/**
record the job on the dead-letter list with its failure reason. From this
point it is treated as permanently failed.
*/
func DeadLetterJob(job *Job, reason string, client redis.Cmdable) error {
	letter := DeadLetter{
		Job:      *job,
		Reason:   reason,
		FailedAt: time.Now(),
	}
	encodedContent, marshalErr := json.Marshal(letter)
	if marshalErr != nil {
		log.Print("Could not encode dead letter for ", job.Id, ": ", marshalErr)
		return marshalErr
	}
	_, pushErr := client.RPush(deadLetterKey, string(encodedContent)).Result()
	if pushErr != nil {
		log.Printf("Could not dead-letter job %s: %s", job.Id, pushErr)
	}
	return pushErr
}

func QueueLength(jobType JobType, client redis.Cmdable) (int64, error) {
	count, err := client.LLen(keyForJobQueue(jobType)).Result()
	if err != nil {
		log.Printf("Could not retrieve queue length for %s: %s", jobType, err)
	}
	return count, err
}

func DeadLetterCount(client redis.Cmdable) (int64, error) {
	count, err := client.LLen(deadLetterKey).Result()
	if err != nil {
		log.Printf("Could not retrieve dead letter count: %s", err)
	}
	return count, err
}

/**
get a snapshot of the dead-letter list at this moment in time
*/
func SnapshotDeadLetters(client redis.Cmdable) ([]DeadLetter, error) {
	rawData, getErr := client.LRange(deadLetterKey, 0, -1).Result()
	if getErr != nil {
		log.Printf("Could not range dead letter list: %s", getErr)
		return nil, getErr
	}

	rtn := make([]DeadLetter, len(rawData))
	for i, rawEntry := range rawData {
		var letter DeadLetter
		parseErr := json.Unmarshal([]byte(rawEntry), &letter)
		if parseErr != nil {
			log.Printf("ERROR: Bad data in the dead letter list: %s. Offending data was %s.", parseErr, rawEntry)
			return nil, parseErr
		}
		rtn[i] = letter
	}
	return rtn, nil
}

/**
remove a single entry from the dead-letter list by exact content match
*/
func RemoveDeadLetter(letter DeadLetter, client redis.Cmdable) error {
	encodedContent, marshalErr := json.Marshal(letter)
	if marshalErr != nil {
		return marshalErr
	}
	removed, err := client.LRem(deadLetterKey, 0, string(encodedContent)).Result()
	if err != nil {
		log.Printf("Could not remove dead letter for job %s: %s", letter.Job.Id, err)
		return err
	}
	if removed == 0 {
		log.Printf("WARNING: Could not find dead letter for job %s to remove", letter.Job.Id)
	}
	return nil
}
