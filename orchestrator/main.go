package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/stackhaven/harbormaster/common/helpers"
	"github.com/stackhaven/harbormaster/common/models"
	"github.com/stackhaven/harbormaster/common/runtime"
	"github.com/stackhaven/harbormaster/orchestrator/classifier"
	"github.com/stackhaven/harbormaster/orchestrator/cluster"
	"github.com/stackhaven/harbormaster/orchestrator/isolation"
	"github.com/stackhaven/harbormaster/orchestrator/reconciler"
	"github.com/stackhaven/harbormaster/orchestrator/runner"
)

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

	driver, driverErr := runtime.NewDockerDriver(config.DockerHosts)
	if driverErr != nil {
		log.Fatalf("Could not set up docker driver: %s", driverErr)
	}

	jobRunner := runner.NewRunner(
		redisClient,
		time.Duration(config.Queue.PollIntervalMs)*time.Millisecond,
		config.Queue.MaxAttempts,
		time.Duration(config.Queue.JobTimeoutSec)*time.Second,
	)

	eventClassifier := classifier.NewClassifier(redisClient, driver)
	stateReconciler := reconciler.NewReconciler(redisClient, driver)
	isolationCoordinator := isolation.NewCoordinator(redisClient)
	clusterOrchestrator := cluster.NewOrchestrator(redisClient)

	jobRunner.Register(models.CONTAINER_LIFECYCLE_EVENT, classifier.LifecycleEventSchema(), eventClassifier.HandleLifecycleEvent)

	jobRunner.Register(models.INSTANCE_CONTAINER_CREATED, reconciler.ContainerEventSchema(), stateReconciler.HandleContainerCreated)
	jobRunner.Register(models.INSTANCE_CONTAINER_STARTED, reconciler.ContainerEventSchema(), stateReconciler.HandleContainerStarted)
	jobRunner.Register(models.INSTANCE_CONTAINER_DIED, reconciler.ContainerEventSchema(), stateReconciler.HandleContainerDied)
	jobRunner.Register(models.INSTANCE_CONTAINER_ERRORED, reconciler.ContainerErrorSchema(), stateReconciler.HandleContainerErrored)
	jobRunner.Register(models.IMAGE_BUILDER_DIED, reconciler.ImageBuilderDiedSchema(), stateReconciler.HandleImageBuilderDied)

	jobRunner.Register(models.INSTANCE_KILL, reconciler.InstanceActionSchema(), stateReconciler.HandleInstanceKill)
	jobRunner.Register(models.INSTANCE_RESTART, reconciler.InstanceActionSchema(), stateReconciler.HandleInstanceRestart)
	jobRunner.Register(models.INSTANCE_DELETE, reconciler.InstanceActionSchema(), stateReconciler.HandleInstanceDelete)

	jobRunner.Register(models.ISOLATION_KILL, isolation.GroupActionSchema(), isolationCoordinator.HandleKill)
	jobRunner.Register(models.ISOLATION_REDEPLOY, isolation.GroupActionSchema(), isolationCoordinator.HandleRedeploy)
	jobRunner.Register(models.ISOLATION_INSTANCE_KILLED, isolation.InstanceKilledSchema(), isolationCoordinator.HandleInstanceKilled)

	jobRunner.Register(models.CLUSTER_CREATE, cluster.CreateSchema(), clusterOrchestrator.HandleCreate)
	jobRunner.Register(models.CLUSTER_PARENT_CREATED, cluster.ParentCreatedSchema(), clusterOrchestrator.HandleParentCreated)
	jobRunner.Register(models.CLUSTER_SIBLING_CREATED, cluster.SiblingCreatedSchema(), clusterOrchestrator.HandleSiblingCreated)
	jobRunner.Register(models.CLUSTER_DELETE, cluster.DeleteSchema(), clusterOrchestrator.HandleDelete)
	jobRunner.Register(models.CLUSTER_CONFIG_DELETE, cluster.ConfigDeleteSchema(), clusterOrchestrator.HandleConfigDelete)

	jobRunner.Start()
	log.Print("Orchestrator worker fleet started")

	http.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		helpers.WriteJsonContent(map[string]interface{}{
			"status": "ok",
			"queues": jobRunner.QueueStats(),
		}, w, 200)
	})

	bindAddress := config.BindAddress
	if bindAddress == "" {
		bindAddress = ":9000"
	}
	log.Printf("Started status server on %s", bindAddress)
	startServerErr := http.ListenAndServe(bindAddress, nil)
	if startServerErr != nil {
		log.Fatal(startServerErr)
	}
}
