package runtime

import (
	"context"
	"errors"

	"github.com/docker/docker/errdefs"
)

/**
DriverMock records the calls made against it and serves canned inspect
results keyed by container id. A container id absent from InspectResults
yields a not-found error, the same classification the real driver gives.
*/
type DriverMock struct {
	InspectResults map[string]*InspectResult
	InspectErr     error

	StartCalledWith   []string
	StopCalledWith    []string
	RestartCalledWith []string
	RemoveCalledWith  []string

	StartErr   error
	StopErr    error
	RestartErr error
	RemoveErr  error
}

func NewDriverMock() *DriverMock {
	return &DriverMock{
		InspectResults: make(map[string]*InspectResult),
	}
}

func (m *DriverMock) Inspect(ctx context.Context, host string, containerId string) (*InspectResult, error) {
	if m.InspectErr != nil {
		return nil, m.InspectErr
	}
	result, gotResult := m.InspectResults[containerId]
	if !gotResult {
		return nil, errdefs.NotFound(errors.New("No such container: " + containerId))
	}
	return result, nil
}

func (m *DriverMock) Start(ctx context.Context, host string, containerId string) error {
	m.StartCalledWith = append(m.StartCalledWith, containerId)
	return m.StartErr
}

func (m *DriverMock) Stop(ctx context.Context, host string, containerId string) error {
	m.StopCalledWith = append(m.StopCalledWith, containerId)
	return m.StopErr
}

func (m *DriverMock) Restart(ctx context.Context, host string, containerId string) error {
	m.RestartCalledWith = append(m.RestartCalledWith, containerId)
	return m.RestartErr
}

func (m *DriverMock) Remove(ctx context.Context, host string, containerId string) error {
	m.RemoveCalledWith = append(m.RemoveCalledWith, containerId)
	return m.RemoveErr
}
