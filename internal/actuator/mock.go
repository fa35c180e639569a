package actuator

import (
	"context"
	"errors"
	"sync"
)

// ErrMockUnavailable is returned by MockClient when no device state has been
// seeded for a GetState call.
var ErrMockUnavailable = errors.New("mock actuator: no state")

// MockCall records one SetState call.
type MockCall struct {
	DeviceID string
	State    State
}

// MockClient is an in-memory Client for tests and dry runs.
type MockClient struct {
	mu sync.Mutex

	// Devices holds the state returned by GetState, updated by SetState.
	Devices map[string]State
	// SetErr, when set, fails every SetState call.
	SetErr error
	// GetErr, when set, fails every GetState call.
	GetErr error

	Calls    []MockCall
	GetCalls int
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{Devices: make(map[string]State)}
}

// SetState records the call and applies s to the device.
func (m *MockClient) SetState(_ context.Context, deviceID string, s State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{DeviceID: deviceID, State: s})
	if m.SetErr != nil {
		return State{}, m.SetErr
	}
	m.Devices[deviceID] = m.Devices[deviceID].Merge(s)
	return s, nil
}

// GetState returns the seeded device state.
func (m *MockClient) GetState(_ context.Context, deviceID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetCalls++
	if m.GetErr != nil {
		return State{}, m.GetErr
	}
	s, ok := m.Devices[deviceID]
	if !ok {
		return State{}, ErrMockUnavailable
	}
	return s, nil
}

// CallCount returns the number of SetState calls.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent SetState call, or nil if none.
func (m *MockClient) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	c := m.Calls[len(m.Calls)-1]
	return &c
}
