package main

import (
	"context"
	"flag"
	"log"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/go-redis/redis/v7"
	"github.com/stackhaven/harbormaster/common/helpers"
	"github.com/stackhaven/harbormaster/common/models"
)

/**
the watcher only forwards the container actions the classifier understands;
everything else never leaves the daemon
*/
var watchedActions = map[string]bool{
	"create": true,
	"start":  true,
	"die":    true,
}

func eventFilters() filters.Args {
	filterArgs := filters.NewArgs()
	filterArgs.Add("type", "container")
	for action := range watchedActions {
		filterArgs.Add("event", action)
	}
	return filterArgs
}

/**
stream daemon events from one docker host and publish each as a
container.lifecycle.event job. The stream is re-established after errors
with a short backoff; missed events are recovered by the reconciler's
tolerance for out-of-order and duplicate information, not by us.
*/
func watchHost(host helpers.DockerHost, lease *models.LeaderLease, redisClient *redis.Client) {
	cli, cliErr := client.NewClientWithOpts(
		client.WithHost(host.Address),
		client.WithAPIVersionNegotiation(),
	)
	if cliErr != nil {
		log.Fatalf("Could not create docker client for host %s: %s", host.Name, cliErr)
	}

	for {
		ctx, cancel := context.WithCancel(context.Background())
		messages, errorsChan := cli.Events(ctx, types.EventsOptions{Filters: eventFilters()})

		log.Printf("Watching docker events on %s (%s)", host.Name, host.Address)
	consume:
		for {
			select {
			case message := <-messages:
				if !watchedActions[string(message.Action)] {
					continue
				}
				held, _ := lease.Held()
				if !held {
					//another watcher instance is active; consuming without
					//publishing keeps the stream alive for a quick takeover
					continue
				}
				attributes := make(map[string]interface{}, len(message.Actor.Attributes))
				for key, value := range message.Actor.Attributes {
					attributes[key] = value
				}
				//timeNano goes out as a decimal string: nanosecond epoch values
				//do not survive the float64 a JSON number turns into
				publishErr := models.PublishJob(models.NewJob(models.CONTAINER_LIFECYCLE_EVENT, map[string]interface{}{
					"action":      string(message.Action),
					"containerId": message.Actor.ID,
					"host":        host.Name,
					"timeNano":    strconv.FormatInt(message.TimeNano, 10),
					"attributes":  attributes,
				}), redisClient)
				if publishErr != nil {
					log.Printf("ERROR: Could not publish %s event for container %s: %s", message.Action, message.Actor.ID, publishErr)
				}
			case streamErr := <-errorsChan:
				log.Printf("WARNING: Event stream from %s broke: %s. Reconnecting.", host.Name, streamErr)
				break consume
			}
		}
		cancel()
		time.Sleep(2 * time.Second)
	}
}

func main() {
	configFilePath := flag.String("config", "config/serverconfig.yaml", "path to the server config yaml")
	flag.Parse()

	log.Printf("Reading config from %s", *configFilePath)
	config, configReadErr := helpers.ReadConfig(*configFilePath)
	if configReadErr != nil {
		log.Fatal("No configuration, can't continue")
	}

	redisClient, redisErr := helpers.SetupRedis(config)
	if redisErr != nil {
		log.Fatal("Could not connect to redis")
	}

	lease := models.NewLeaderLease("eventwatcher", time.Duration(config.Lease.TTLSec)*time.Second, redisClient)
	shutdownChan := make(chan bool)
	lease.Maintain(time.Duration(config.Lease.HeartbeatSec)*time.Second, shutdownChan)

	if len(config.DockerHosts) == 0 {
		log.Fatal("No docker hosts configured, nothing to watch")
	}
	for _, host := range config.DockerHosts[1:] {
		go watchHost(host, lease, redisClient)
	}
	watchHost(config.DockerHosts[0], lease, redisClient)
}
