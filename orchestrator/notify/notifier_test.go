package notify

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/stackhaven/harbormaster/common/models"
)

func TestEmitInstanceUpdate(t *testing.T) {
	testServer, mrErr := miniredis.Run()
	if mrErr != nil {
		t.Error("Could not initiate miniredis: ", mrErr)
		t.FailNow()
	}
	defer testServer.Close()
	testClient := redis.NewClient(&redis.Options{Addr: testServer.Addr()})

	inst := &models.Instance{
		Id:      uuid.New(),
		OwnerId: "owner-1",
		Name:    "api-primary",
		Container: models.ContainerRef{
			ContainerId: "c1",
			Host:        "dock-a",
		},
		Status:       models.INSTANCE_ERRORED,
		ErrorMessage: "container exceeded memory limit",
		CreatedAt:    time.Now(),
	}

	EmitInstanceUpdate(inst, "user-1", EVENT_ERRORED, testClient)

	published, getErr := models.NextJob(models.INSTANCE_UPDATED, testClient)
	if getErr != nil || published == nil {
		t.Error("Expected an instance.updated job")
		t.FailNow()
	}
	if published.Payload["instanceId"] != inst.Id.String() {
		t.Error("Notification did not carry the instance id: ", spew.Sdump(published.Payload))
	}
	if published.Payload["event"] != EVENT_ERRORED {
		t.Error("Notification did not carry the event name: ", spew.Sdump(published.Payload))
	}
	if published.Payload["actingUserId"] != "user-1" {
		t.Error("Notification did not carry the acting user: ", spew.Sdump(published.Payload))
	}

	detail, _ := published.Payload["instance"].(map[string]interface{})
	if detail == nil {
		t.Error("Notification should carry an instance snapshot")
		t.FailNow()
	}
	if detail["status"] != string(models.INSTANCE_ERRORED) || detail["errorMessage"] != "container exceeded memory limit" {
		t.Error("Snapshot did not carry the instance detail: ", spew.Sdump(detail))
	}
}
