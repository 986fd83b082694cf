package main

import (
	"flag"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/stackhaven/harbormaster/common/helpers"
	"github.com/stackhaven/harbormaster/common/models"
)

/**
remove the stored record of one soft-deleted instance, if it was deleted
before the cutoff
*/
func processInstance(instanceId uuid.UUID, cutoffTime time.Time, dryRun bool, redisClient *redis.Client) error {
	fields, getErr := redisClient.HGetAll("harbormaster:instance:" + instanceId.String()).Result()
	if getErr != nil {
		return getErr
	}
	deleted, _ := strconv.ParseBool(fields["deleted"])
	if !deleted {
		return nil
	}
	deletedAt, parseErr := time.Parse(time.RFC3339Nano, fields["deletedAt"])
	if parseErr != nil || deletedAt.After(cutoffTime) {
		return nil
	}

	log.Printf("Removing record of instance %s deleted at %s", instanceId, deletedAt)
	if dryRun {
		return nil
	}
	return models.RemoveInstanceRecord(instanceId, redisClient)
}

/**
drop dead letters whose failure predates the cutoff. Anything younger stays
visible for operators to inspect.
*/
func reapDeadLetters(cutoffTime time.Time, dryRun bool, redisClient *redis.Client) {
	letters, snapErr := models.SnapshotDeadLetters(redisClient)
	if snapErr != nil {
		log.Printf("ERROR: Could not snapshot dead letter list: %s", snapErr)
		return
	}
	for _, letter := range letters {
		if letter.FailedAt.Before(cutoffTime) {
			log.Printf("Removing dead letter for %s job %s failed at %s", letter.Job.Type, letter.Job.Id, letter.FailedAt)
			if !dryRun {
				models.RemoveDeadLetter(letter, redisClient)
			}
		}
	}
}

func main() {
	maxAgeHours := flag.Int64("maxage", 36, "remove soft-deleted instances and dead letters older than this many hours")
	dryRun := flag.Bool("dryrun", true, "don't actually delete anything")
	configFilePath := flag.String("config", "config/serverconfig.yaml", "path to the server config yaml")

	flag.Parse()

	log.Printf("Reading config from %s", *configFilePath)
	config, configReadErr := helpers.ReadConfig(*configFilePath)
	if configReadErr != nil {
		log.Fatal("No configuration, can't continue")
	}

	log.Printf("Dryrun is %t", *dryRun)
	redisClient, redisErr := helpers.SetupRedis(config)
	if redisErr != nil {
		log.Fatal("Could not connect to redis")
	}

	startTime := time.Now()
	cutoffTime := startTime.Add(-time.Duration(*maxAgeHours) * time.Hour)
	log.Printf("Reaping of old data starting at %s, cutoff time is %s", startTime, cutoffTime)

	instanceIds, listErr := models.AllInstanceIds(redisClient)
	if listErr != nil {
		log.Fatalf("ERROR: Could not list instances: %s", listErr)
	}

	for _, instanceId := range instanceIds {
		procErr := processInstance(instanceId, cutoffTime, *dryRun, redisClient)
		if procErr != nil {
			log.Fatal(procErr)
		}
	}

	reapDeadLetters(cutoffTime, *dryRun, redisClient)

	endTime := time.Now()
	log.Printf("Reaping run completed at %s and took %d seconds", endTime, endTime.Unix()-startTime.Unix())
}
