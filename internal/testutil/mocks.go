// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"

	"querycheck/internal/domain"
)

// === Object Store Mock ===

// MockObjectStore implements domain.ObjectStore. Without Fn overrides it
// behaves as an in-memory store keyed by "bucket/key".
type MockObjectStore struct {
	GetFn func(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutFn func(ctx context.Context, bucket, key string, body []byte, contentType string) error

	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

// Seed stores body at bucket/key.
func (m *MockObjectStore) Seed(bucket, key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[bucket+"/"+key] = append([]byte(nil), body...)
}

// Object returns the stored body at bucket/key.
func (m *MockObjectStore) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[bucket+"/"+key]
	return b, ok
}

// PutCount returns the number of Put calls served from memory.
func (m *MockObjectStore) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Get implements the interface method for testing.
func (m *MockObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, bucket, key)
	}
	b, ok := m.Object(bucket, key)
	if !ok {
		return nil, domain.ErrNotFound("object %s/%s not found", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Put implements the interface method for testing.
func (m *MockObjectStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if m.PutFn != nil {
		return m.PutFn(ctx, bucket, key, body, contentType)
	}
	m.Seed(bucket, key, body)
	m.mu.Lock()
	m.puts++
	m.mu.Unlock()
	return nil
}

var _ domain.ObjectStore = (*MockObjectStore)(nil)

// === Subtask Repository Mock ===

// MockSubtaskRepo implements domain.SubtaskRepository for testing.
type MockSubtaskRepo struct {
	CreateFn     func(ctx context.Context, s *domain.SubtaskState) error
	GetFn        func(ctx context.Context, key domain.SubtaskKey) (*domain.SubtaskState, error)
	TransitionFn func(ctx context.Context, t domain.Transition) error

	Transitions []domain.Transition // committed transitions for assertions
}

// Create implements the interface method for testing.
func (m *MockSubtaskRepo) Create(ctx context.Context, s *domain.SubtaskState) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, s)
	}
	panic("unexpected call to MockSubtaskRepo.Create")
}

// Get implements the interface method for testing.
func (m *MockSubtaskRepo) Get(ctx context.Context, key domain.SubtaskKey) (*domain.SubtaskState, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key)
	}
	panic("unexpected call to MockSubtaskRepo.Get")
}

// Transition implements the interface method for testing.
func (m *MockSubtaskRepo) Transition(ctx context.Context, t domain.Transition) error {
	if m.TransitionFn != nil {
		if err := m.TransitionFn(ctx, t); err != nil {
			return err
		}
	}
	m.Transitions = append(m.Transitions, t)
	return nil
}

// LastTransition returns the last committed transition, or nil if none.
func (m *MockSubtaskRepo) LastTransition() *domain.Transition {
	if len(m.Transitions) == 0 {
		return nil
	}
	return &m.Transitions[len(m.Transitions)-1]
}

var _ domain.SubtaskRepository = (*MockSubtaskRepo)(nil)

// === Sample Repository Mock ===

// MockSampleRepo implements domain.SampleRepository for testing.
type MockSampleRepo struct {
	PutSamplesFn  func(ctx context.Context, samples []domain.SampleRecord) error
	ListSamplesFn func(ctx context.Context, taskID string) ([]domain.SampleRecord, error)

	Samples []domain.SampleRecord // collected samples for assertions
}

// PutSamples implements the interface method for testing.
func (m *MockSampleRepo) PutSamples(ctx context.Context, samples []domain.SampleRecord) error {
	if m.PutSamplesFn != nil {
		if err := m.PutSamplesFn(ctx, samples); err != nil {
			return err
		}
	}
	m.Samples = append(m.Samples, samples...)
	return nil
}

// ListSamples implements the interface method for testing.
func (m *MockSampleRepo) ListSamples(ctx context.Context, taskID string) ([]domain.SampleRecord, error) {
	if m.ListSamplesFn != nil {
		return m.ListSamplesFn(ctx, taskID)
	}
	var out []domain.SampleRecord
	for _, s := range m.Samples {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

var _ domain.SampleRepository = (*MockSampleRepo)(nil)

// === Secrets Provider Mock ===

// MockSecretsProvider implements domain.SecretsProvider for testing.
type MockSecretsProvider struct {
	GetCredentialsFn func(ctx context.Context, secretID string) (*domain.Credentials, error)
	Calls            int
}

// GetCredentials implements the interface method for testing.
func (m *MockSecretsProvider) GetCredentials(ctx context.Context, secretID string) (*domain.Credentials, error) {
	m.Calls++
	if m.GetCredentialsFn != nil {
		return m.GetCredentialsFn(ctx, secretID)
	}
	panic("unexpected call to MockSecretsProvider.GetCredentials")
}

var _ domain.SecretsProvider = (*MockSecretsProvider)(nil)

// === Work Item Source Mock ===

// MockWorkItemSource implements domain.WorkItemSource for testing.
type MockWorkItemSource struct {
	ReceiveFn func(ctx context.Context) ([]domain.Message, error)
	AckFn     func(ctx context.Context, m domain.Message) error

	mu    sync.Mutex
	acked []domain.Message
}

// Receive implements the interface method for testing.
func (m *MockWorkItemSource) Receive(ctx context.Context) ([]domain.Message, error) {
	if m.ReceiveFn != nil {
		return m.ReceiveFn(ctx)
	}
	panic("unexpected call to MockWorkItemSource.Receive")
}

// Ack implements the interface method for testing.
func (m *MockWorkItemSource) Ack(ctx context.Context, msg domain.Message) error {
	if m.AckFn != nil {
		if err := m.AckFn(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.acked = append(m.acked, msg)
	m.mu.Unlock()
	return nil
}

// Acked returns the ids of acknowledged messages.
func (m *MockWorkItemSource) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.acked))
	for i, msg := range m.acked {
		ids[i] = msg.ID
	}
	return ids
}

var _ domain.WorkItemSource = (*MockWorkItemSource)(nil)
