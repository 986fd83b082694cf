package reconciler

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/stackhaven/harbormaster/common/models"
	"github.com/stackhaven/harbormaster/common/runtime"
	"github.com/stackhaven/harbormaster/orchestrator/notify"
)

func reconcilerTestSetup(t *testing.T) (*miniredis.Miniredis, *redis.Client, *runtime.DriverMock, *Reconciler) {
	testServer, mrErr := miniredis.Run()
	if mrErr != nil {
		t.Error("Could not initiate miniredis: ", mrErr)
		t.FailNow()
	}
	testClient := redis.NewClient(&redis.Options{Addr: testServer.Addr()})
	mockDriver := runtime.NewDriverMock()
	return testServer, testClient, mockDriver, NewReconciler(testClient, mockDriver)
}

func storedInstance(t *testing.T, client *redis.Client, status models.InstanceStatus) *models.Instance {
	inst := &models.Instance{
		Id:          uuid.New(),
		OwnerId:     "owner-1",
		Name:        "api-primary",
		Container:   containerRefFor("c1", "dock-a"),
		Status:      status,
		LastEventAt: 1000,
		CreatedAt:   time.Now(),
	}
	storErr := inst.Store(client)
	if storErr != nil {
		t.Error("Could not store test instance: ", storErr)
		t.FailNow()
	}
	return inst
}

func containerRefFor(containerId string, host string) models.ContainerRef {
	return models.ContainerRef{ContainerId: containerId, Host: host, State: "running"}
}

func diedPayload(instanceId uuid.UUID, containerId string, timeNano int64) map[string]interface{} {
	return map[string]interface{}{
		"instanceId":  instanceId.String(),
		"containerId": containerId,
		"host":        "dock-a",
		"timeNano":    strconv.FormatInt(timeNano, 10),
	}
}

func drainNotifications(t *testing.T, client *redis.Client) []*models.Job {
	var notifications []*models.Job
	for {
		job, getErr := models.NextJob(models.INSTANCE_UPDATED, client)
		if getErr != nil {
			t.Error("Could not drain notifications: ", getErr)
			t.FailNow()
		}
		if job == nil {
			return notifications
		}
		notifications = append(notifications, job)
	}
}

/**
death while stopping is the expected completion of a stop
*/
func TestReconciler_DiedWhileStopping(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_STOPPING)

	job := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	handlerErr := testReconciler.HandleContainerDied(context.Background(), job)
	if handlerErr != nil {
		t.Error("HandleContainerDied unexpectedly failed: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_STOPPED {
		t.Errorf("Expected status %s, got %s", models.INSTANCE_STOPPED, updated.Status)
	}
	if updated.LastEventAt != 2000 {
		t.Errorf("Expected lastEventAt 2000, got %d", updated.LastEventAt)
	}

	notifications := drainNotifications(t, testClient)
	if len(notifications) != 1 {
		t.Errorf("Expected exactly 1 notification, got %d", len(notifications))
	}
}

/**
death while running or starting is a crash
*/
func TestReconciler_DiedWhileRunning(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_RUNNING)

	job := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	handlerErr := testReconciler.HandleContainerDied(context.Background(), job)
	if handlerErr != nil {
		t.Error("HandleContainerDied unexpectedly failed: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_CRASHED {
		t.Errorf("Expected status %s, got %s", models.INSTANCE_CRASHED, updated.Status)
	}
}

/**
delivering the same die event twice changes nothing the second time; the
timestamp guard makes redelivery invisible
*/
func TestReconciler_DiedRedelivery(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_RUNNING)

	job := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	testReconciler.HandleContainerDied(context.Background(), job)

	redelivery := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	handlerErr := testReconciler.HandleContainerDied(context.Background(), redelivery)
	if handlerErr != nil {
		t.Error("Redelivery should be a silent no-op, got: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_CRASHED {
		t.Errorf("Expected status %s, got %s", models.INSTANCE_CRASHED, updated.Status)
	}
	notifications := drainNotifications(t, testClient)
	if len(notifications) != 1 {
		t.Errorf("Redelivery must not produce a second notification, got %d", len(notifications))
	}
}

/**
an event older than what has already been applied must not regress the
record, whatever order it arrives in
*/
func TestReconciler_OutOfOrderEvents(t *testing.T) {
	testServer, testClient, mockDriver, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_STARTING)

	mockDriver.InspectResults["c1"] = &runtime.InspectResult{
		ContainerId: "c1",
		Status:      "running",
		Running:     true,
	}

	//the start at t=3000 lands first
	startJob := models.NewJob(models.INSTANCE_CONTAINER_STARTED, diedPayload(inst.Id, "c1", 3000))
	handlerErr := testReconciler.HandleContainerStarted(context.Background(), startJob)
	if handlerErr != nil {
		t.Error("HandleContainerStarted unexpectedly failed: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_RUNNING {
		t.Errorf("Expected status %s, got %s", models.INSTANCE_RUNNING, updated.Status)
	}

	//a die event from an earlier epoch t=2000 arrives late; it must be ignored
	staleDie := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	handlerErr = testReconciler.HandleContainerDied(context.Background(), staleDie)
	if handlerErr != nil {
		t.Error("Stale die event should be a silent no-op, got: ", handlerErr)
	}

	updated, _ = models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_RUNNING {
		t.Errorf("Stale event regressed the record to %s", updated.Status)
	}
	if updated.LastEventAt != 3000 {
		t.Errorf("Expected lastEventAt 3000, got %d", updated.LastEventAt)
	}
}

/**
nanosecond epoch timestamps sit beyond float64 precision; a die event one
nanosecond newer than the record must still apply after a full queue round
trip
*/
func TestReconciler_NanosecondOrdering(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := &models.Instance{
		Id:          uuid.New(),
		OwnerId:     "owner-1",
		Name:        "api-primary",
		Container:   containerRefFor("c1", "dock-a"),
		Status:      models.INSTANCE_RUNNING,
		LastEventAt: 1756600000123456789,
		CreatedAt:   time.Now(),
	}
	inst.Store(testClient)

	publishErr := models.PublishJob(models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 1756600000123456790)), testClient)
	if publishErr != nil {
		t.Error("Could not publish the die event: ", publishErr)
		t.FailNow()
	}
	job, _ := models.NextJob(models.INSTANCE_CONTAINER_DIED, testClient)
	handlerErr := testReconciler.HandleContainerDied(context.Background(), job)
	if handlerErr != nil {
		t.Error("HandleContainerDied unexpectedly failed: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_CRASHED {
		t.Errorf("A one-nanosecond-newer die event should apply, status is %s", updated.Status)
	}
	if updated.LastEventAt != 1756600000123456790 {
		t.Errorf("Expected lastEventAt 1756600000123456790, got %d", updated.LastEventAt)
	}
}

/**
events for a container the instance no longer owns are stale news
*/
func TestReconciler_SupersededContainer(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_RUNNING)

	job := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "old-container", 5000))
	handlerErr := testReconciler.HandleContainerDied(context.Background(), job)
	if handlerErr != nil {
		t.Error("Superseded container event should be a silent no-op, got: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_RUNNING {
		t.Errorf("Superseded event changed the record to %s", updated.Status)
	}
}

/**
an event for an instance that does not exist is fatal: no amount of
retrying makes the record appear
*/
func TestReconciler_InstanceNotFound(t *testing.T) {
	testServer, _, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	job := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(uuid.New(), "c1", 2000))
	handlerErr := testReconciler.HandleContainerDied(context.Background(), job)
	if handlerErr == nil {
		t.Error("Expected an error for a missing instance")
		t.FailNow()
	}
	if !models.IsNotFound(handlerErr) {
		t.Error("Expected NotFoundError, got: ", handlerErr)
	}
	if !models.IsFatal(handlerErr) {
		t.Error("A missing instance must classify as fatal")
	}
}

/**
a started event folds the live inspect result in and moves starting to
running
*/
func TestReconciler_ContainerStarted(t *testing.T) {
	testServer, testClient, mockDriver, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_STARTING)
	mockDriver.InspectResults["c1"] = &runtime.InspectResult{
		ContainerId: "c1",
		Status:      "running",
		Running:     true,
	}

	job := models.NewJob(models.INSTANCE_CONTAINER_STARTED, diedPayload(inst.Id, "c1", 2000))
	handlerErr := testReconciler.HandleContainerStarted(context.Background(), job)
	if handlerErr != nil {
		t.Error("HandleContainerStarted unexpectedly failed: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_RUNNING {
		t.Errorf("Expected status %s, got %s", models.INSTANCE_RUNNING, updated.Status)
	}

	notifications := drainNotifications(t, testClient)
	if len(notifications) != 1 {
		t.Errorf("Expected exactly 1 notification, got %d", len(notifications))
		t.FailNow()
	}
	if notifications[0].Payload["event"] != notify.EVENT_START {
		t.Error("Notification should carry the start event: ", spew.Sdump(notifications[0].Payload))
	}
}

/**
a started event whose container vanished before the inspect is a no-op; the
die event tells the rest of the story
*/
func TestReconciler_ContainerStartedVanished(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_STARTING)

	job := models.NewJob(models.INSTANCE_CONTAINER_STARTED, diedPayload(inst.Id, "c1", 2000))
	handlerErr := testReconciler.HandleContainerStarted(context.Background(), job)
	if handlerErr != nil {
		t.Error("Vanished container should be a no-op, got: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_STARTING {
		t.Errorf("Status should be unchanged, got %s", updated.Status)
	}
}

/**
a created event records the fresh container reference without touching
status
*/
func TestReconciler_ContainerCreated(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_CREATED)

	job := models.NewJob(models.INSTANCE_CONTAINER_CREATED, diedPayload(inst.Id, "c2", 2000))
	handlerErr := testReconciler.HandleContainerCreated(context.Background(), job)
	if handlerErr != nil {
		t.Error("HandleContainerCreated unexpectedly failed: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Container.ContainerId != "c2" {
		t.Errorf("Expected container c2 recorded, got %s", updated.Container.ContainerId)
	}
	if updated.Status != models.INSTANCE_CREATED {
		t.Errorf("Created event must not touch status, got %s", updated.Status)
	}
}

/**
end to end: an errored report lands as the errored status, the message is
recorded and exactly one errored notification goes out
*/
func TestReconciler_ContainerErrored(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	inst := storedInstance(t, testClient, models.INSTANCE_RUNNING)

	job := models.NewJob(models.INSTANCE_CONTAINER_ERRORED, map[string]interface{}{
		"instanceId":  inst.Id.String(),
		"containerId": "c1",
		"error":       "container exceeded memory limit",
	})
	handlerErr := testReconciler.HandleContainerErrored(context.Background(), job)
	if handlerErr != nil {
		t.Error("HandleContainerErrored unexpectedly failed: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_ERRORED {
		t.Errorf("Expected status %s, got %s", models.INSTANCE_ERRORED, updated.Status)
	}
	if updated.ErrorMessage != "container exceeded memory limit" {
		t.Errorf("Expected the error message to be recorded, got '%s'", updated.ErrorMessage)
	}

	notifications := drainNotifications(t, testClient)
	if len(notifications) != 1 {
		t.Errorf("Expected exactly 1 notification, got %d", len(notifications))
		t.FailNow()
	}
	if notifications[0].Payload["event"] != notify.EVENT_ERRORED {
		t.Error("Notification should carry the errored event: ", spew.Sdump(notifications[0].Payload))
	}
	instanceDetail, _ := notifications[0].Payload["instance"].(map[string]interface{})
	if instanceDetail["errorMessage"] != "container exceeded memory limit" {
		t.Error("Notification snapshot should carry the error message: ", spew.Sdump(instanceDetail))
	}

	//redelivery of the same report records nothing new
	redelivery := models.NewJob(models.INSTANCE_CONTAINER_ERRORED, map[string]interface{}{
		"instanceId":  inst.Id.String(),
		"containerId": "c1",
		"error":       "container exceeded memory limit",
	})
	handlerErr = testReconciler.HandleContainerErrored(context.Background(), redelivery)
	if handlerErr != nil {
		t.Error("Redelivered error report should be a no-op, got: ", handlerErr)
	}
	notifications = drainNotifications(t, testClient)
	if len(notifications) != 0 {
		t.Errorf("Redelivery must not produce another notification, got %d", len(notifications))
	}
}

func TestReconciler_ContainerErroredNotFound(t *testing.T) {
	testServer, _, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	job := models.NewJob(models.INSTANCE_CONTAINER_ERRORED, map[string]interface{}{
		"instanceId":  uuid.New().String(),
		"containerId": "c1",
		"error":       "container exceeded memory limit",
	})
	handlerErr := testReconciler.HandleContainerErrored(context.Background(), job)
	if !models.IsNotFound(handlerErr) {
		t.Error("Expected NotFoundError for a missing instance, got: ", handlerErr)
	}
}

/**
a stopped isolation member reports back to its group
*/
func TestReconciler_DiedMemberReportsToGroup(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	groupId := uuid.New()
	inst := &models.Instance{
		Id:          uuid.New(),
		OwnerId:     "owner-1",
		Name:        "api-primary",
		Container:   containerRefFor("c1", "dock-a"),
		Status:      models.INSTANCE_STOPPING,
		IsolationId: &groupId,
		LastEventAt: 1000,
		CreatedAt:   time.Now(),
	}
	inst.Store(testClient)

	job := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	handlerErr := testReconciler.HandleContainerDied(context.Background(), job)
	if handlerErr != nil {
		t.Error("HandleContainerDied unexpectedly failed: ", handlerErr)
	}

	killed, _ := models.NextJob(models.ISOLATION_INSTANCE_KILLED, testClient)
	if killed == nil {
		t.Error("Expected an isolation.instance.killed job")
		t.FailNow()
	}
	if killed.Payload["isolationId"] != groupId.String() || killed.Payload["instanceId"] != inst.Id.String() {
		t.Error("Killed report did not carry the right ids: ", spew.Sdump(killed.Payload))
	}
}

/**
the killed report must be out before the event commits: a requeued die
event whose report publish failed would otherwise replay straight into the
staleness guard with the report lost for good
*/
func TestReconciler_DiedMemberReportSurvivesRequeue(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	groupId := uuid.New()
	inst := &models.Instance{
		Id:          uuid.New(),
		OwnerId:     "owner-1",
		Name:        "api-primary",
		Container:   containerRefFor("c1", "dock-a"),
		Status:      models.INSTANCE_STOPPING,
		IsolationId: &groupId,
		LastEventAt: 1000,
		CreatedAt:   time.Now(),
	}
	inst.Store(testClient)

	//wedge the report queue with the wrong type so the publish fails
	reportQueue := "harbormaster:jobs:" + string(models.ISOLATION_INSTANCE_KILLED)
	testClient.Set(reportQueue, "wedged", 0)

	job := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	handlerErr := testReconciler.HandleContainerDied(context.Background(), job)
	if handlerErr == nil {
		t.Error("A failed report publish should surface as an error")
		t.FailNow()
	}
	midway, _ := models.InstanceForId(inst.Id, testClient)
	if midway.LastEventAt != 1000 {
		t.Errorf("Nothing may commit before the report is out, lastEventAt moved to %d", midway.LastEventAt)
	}

	testClient.Del(reportQueue)
	redelivery := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	handlerErr = testReconciler.HandleContainerDied(context.Background(), redelivery)
	if handlerErr != nil {
		t.Error("Redelivered die event unexpectedly failed: ", handlerErr)
	}

	updated, _ := models.InstanceForId(inst.Id, testClient)
	if updated.Status != models.INSTANCE_STOPPED {
		t.Errorf("Expected status %s after the redelivery, got %s", models.INSTANCE_STOPPED, updated.Status)
	}
	killed, _ := models.NextJob(models.ISOLATION_INSTANCE_KILLED, testClient)
	if killed == nil {
		t.Error("The killed report must survive the requeue")
	}
}

/**
a crash is not a completed kill; no report goes to the group
*/
func TestReconciler_CrashedMemberDoesNotReport(t *testing.T) {
	testServer, testClient, _, testReconciler := reconcilerTestSetup(t)
	defer testServer.Close()

	groupId := uuid.New()
	inst := &models.Instance{
		Id:          uuid.New(),
		OwnerId:     "owner-1",
		Name:        "api-primary",
		Container:   containerRefFor("c1", "dock-a"),
		Status:      models.INSTANCE_RUNNING,
		IsolationId: &groupId,
		LastEventAt: 1000,
		CreatedAt:   time.Now(),
	}
	inst.Store(testClient)

	job := models.NewJob(models.INSTANCE_CONTAINER_DIED, diedPayload(inst.Id, "c1", 2000))
	testReconciler.HandleContainerDied(context.Background(), job)

	count, _ := models.QueueLength(models.ISOLATION_INSTANCE_KILLED, testClient)
	if count != 0 {
		t.Error("A crash should not report a completed kill to the group")
	}
}
