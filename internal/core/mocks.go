package core

import (
	"context"
	"sync"
	"time"

	"limitter/internal/types"
)

// MockAuthenticator implements Authenticator for tests in this package and
// in the handler packages. It returns the configured Actor or Err and
// records every token it saw.
type MockAuthenticator struct {
	Actor *types.Actor
	Err   error

	// ResolveTokenFunc, when set, overrides Actor/Err for dynamic cases.
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	mu    sync.Mutex
	Calls []string
}

func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

// MockMetrics implements MetricsCollector, recording calls for assertion.
type MockMetrics struct {
	mu    sync.Mutex
	Calls []MetricsCall
}

type MetricsCall struct {
	Method   string
	Endpoint string
	Status   string
	Duration time.Duration
}

func (m *MockMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MetricsCall{Method: method, Endpoint: endpoint, Status: status, Duration: duration})
}

// MockHealthProbe implements HealthProbe with a scripted result.
type MockHealthProbe struct {
	ProbeName string
	Result    error
	Delay     time.Duration
}

func (m *MockHealthProbe) Name() string { return m.ProbeName }

func (m *MockHealthProbe) Check(ctx context.Context) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.Result
}
