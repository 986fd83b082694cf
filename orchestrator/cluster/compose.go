package cluster

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v2"
)

/**
ServiceDefinition is one parsed service from a multi-service source (a
docker-compose file). Exactly one service in a cluster is the main one; the
rest become sibling instances.
*/
type ServiceDefinition struct {
	Name        string   `json:"name"`
	Image       string   `json:"image"`
	Command     string   `json:"command"`
	Environment []string `json:"environment"`
	Main        bool     `json:"main"`
}

type composeService struct {
	Image       string   `yaml:"image"`
	Command     string   `yaml:"command"`
	Environment []string `yaml:"environment"`
}

type composeFile struct {
	Version  string                    `yaml:"version"`
	Services map[string]composeService `yaml:"services"`
}

/**
ParseComposeSource parses compose yaml into service definitions, marking the
named main service. Services come back sorted by name so the output is
stable for a given source. An unparseable source or a main service that is
not defined in it is a contract violation by whatever produced the job, not
a transient condition.
*/
func ParseComposeSource(source string, mainServiceName string) ([]ServiceDefinition, error) {
	var parsed composeFile
	parseErr := yaml.Unmarshal([]byte(source), &parsed)
	if parseErr != nil {
		return nil, fmt.Errorf("could not parse compose source: %w", parseErr)
	}
	if len(parsed.Services) == 0 {
		return nil, fmt.Errorf("compose source defines no services")
	}
	if _, hasMain := parsed.Services[mainServiceName]; !hasMain {
		return nil, fmt.Errorf("main service '%s' is not defined in the compose source", mainServiceName)
	}

	names := make([]string, 0, len(parsed.Services))
	for name := range parsed.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	definitions := make([]ServiceDefinition, 0, len(names))
	for _, name := range names {
		service := parsed.Services[name]
		definitions = append(definitions, ServiceDefinition{
			Name:        name,
			Image:       service.Image,
			Command:     service.Command,
			Environment: service.Environment,
			Main:        name == mainServiceName,
		})
	}
	return definitions, nil
}
