package helpers

import (
	"gopkg.in/yaml.v2"
	"io/ioutil"
	"log"
)

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DBNum    int    `yaml:"dbNum"`
}

type DockerHost struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type QueueConfig struct {
	PollIntervalMs int `yaml:"pollIntervalMs"`
	MaxAttempts    int `yaml:"maxAttempts"`
	JobTimeoutSec  int `yaml:"jobTimeoutSec"`
}

type LeaseConfig struct {
	TTLSec       int `yaml:"ttlSec"`
	HeartbeatSec int `yaml:"heartbeatSec"`
}

type Config struct {
	Redis       RedisConfig  `yaml:"redis"`
	DockerHosts []DockerHost `yaml:"dockerHosts"`
	Queue       QueueConfig  `yaml:"queue"`
	Lease       LeaseConfig  `yaml:"lease"`
	BindAddress string       `yaml:"bindAddress"`
}

func ReadConfig(configFile string) (*Config, error) {
	configBytes, readErr := ioutil.ReadFile(configFile)
	if readErr != nil {
		log.Printf("Could not read config from '%s': %s\n", configFile, readErr)
		return nil, readErr
	}

	var conf Config

	err := yaml.Unmarshal(configBytes, &conf)
	if err != nil {
		log.Printf("Could not understand config from '%s': %s\n", configFile, err)
		return nil, err
	}

	if conf.Queue.PollIntervalMs == 0 {
		conf.Queue.PollIntervalMs = 1000
	}
	if conf.Queue.MaxAttempts == 0 {
		conf.Queue.MaxAttempts = 5
	}
	if conf.Queue.JobTimeoutSec == 0 {
		conf.Queue.JobTimeoutSec = 60
	}
	if conf.Lease.TTLSec == 0 {
		conf.Lease.TTLSec = 15
	}
	if conf.Lease.HeartbeatSec == 0 {
		conf.Lease.HeartbeatSec = 5
	}
	return &conf, nil
}
