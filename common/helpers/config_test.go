package helpers

import (
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func writeTestConfig(t *testing.T, content string) string {
	dir, dirErr := ioutil.TempDir("", "configtest")
	if dirErr != nil {
		t.Error("Could not create temp dir: ", dirErr)
		t.FailNow()
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	configPath := path.Join(dir, "config.yaml")
	writeErr := ioutil.WriteFile(configPath, []byte(content), 0644)
	if writeErr != nil {
		t.Error("Could not write test config: ", writeErr)
		t.FailNow()
	}
	return configPath
}

func TestReadConfig(t *testing.T) {
	configPath := writeTestConfig(t, `redis:
  address: localhost:6379
  dbNum: 2
dockerHosts:
  - name: dock-a
    address: tcp://10.0.0.1:2375
  - name: dock-b
    address: tcp://10.0.0.2:2375
queue:
  pollIntervalMs: 250
  maxAttempts: 10
bindAddress: ":8080"
`)

	conf, readErr := ReadConfig(configPath)
	if readErr != nil {
		t.Error("ReadConfig unexpectedly failed: ", readErr)
		t.FailNow()
	}
	if conf.Redis.Address != "localhost:6379" || conf.Redis.DBNum != 2 {
		t.Error("Redis config was not parsed: ", spew.Sdump(conf.Redis))
	}
	if len(conf.DockerHosts) != 2 || conf.DockerHosts[1].Name != "dock-b" {
		t.Error("Docker hosts were not parsed: ", spew.Sdump(conf.DockerHosts))
	}
	if conf.Queue.PollIntervalMs != 250 || conf.Queue.MaxAttempts != 10 {
		t.Error("Queue config was not parsed: ", spew.Sdump(conf.Queue))
	}
	if conf.BindAddress != ":8080" {
		t.Errorf("Expected bind address :8080, got '%s'", conf.BindAddress)
	}
}

/**
absent settings fall back to sensible defaults
*/
func TestReadConfigDefaults(t *testing.T) {
	configPath := writeTestConfig(t, `redis:
  address: localhost:6379
`)

	conf, readErr := ReadConfig(configPath)
	if readErr != nil {
		t.Error("ReadConfig unexpectedly failed: ", readErr)
		t.FailNow()
	}
	if conf.Queue.PollIntervalMs != 1000 {
		t.Errorf("Expected default poll interval 1000, got %d", conf.Queue.PollIntervalMs)
	}
	if conf.Queue.MaxAttempts != 5 {
		t.Errorf("Expected default max attempts 5, got %d", conf.Queue.MaxAttempts)
	}
	if conf.Queue.JobTimeoutSec != 60 {
		t.Errorf("Expected default job timeout 60, got %d", conf.Queue.JobTimeoutSec)
	}
	if conf.Lease.TTLSec != 15 || conf.Lease.HeartbeatSec != 5 {
		t.Error("Lease defaults were not applied: ", spew.Sdump(conf.Lease))
	}
}

func TestReadConfigMissingFile(t *testing.T) {
	_, readErr := ReadConfig("/path/does/not/exist.yaml")
	if readErr == nil {
		t.Error("A missing config file should fail")
	}
}

func TestReadConfigGarbage(t *testing.T) {
	configPath := writeTestConfig(t, "{{{not yaml at all")
	_, readErr := ReadConfig(configPath)
	if readErr == nil {
		t.Error("An unparseable config file should fail")
	}
}
