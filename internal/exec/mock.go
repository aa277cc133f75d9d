package exec

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MockResponse is the canned result of a mocked command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// MockCall records one command issued against a MockExecutor.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

type mockRule struct {
	name  string
	args  []string
	exact bool
	resp  MockResponse
}

// MockExecutor answers commands from registered rules. Rules are matched in
// registration order; unmatched commands go to the fallback executor, or fail
// when there is none.
type MockExecutor struct {
	mu       sync.Mutex
	rules    []mockRule
	calls    []MockCall
	fallback CommandExecutor
}

// NewMockExecutor creates a mock. fallback may be nil.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddExactMatch answers name with exactly args.
func (m *MockExecutor) AddExactMatch(name string, args []string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{name: name, args: args, exact: true, resp: resp})
}

// AddPrefixMatch answers name whose args start with args.
func (m *MockExecutor) AddPrefixMatch(name string, args []string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{name: name, args: args, resp: resp})
}

// GetCalls returns a copy of every call seen so far.
func (m *MockExecutor) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *MockExecutor) match(dir, name string, args []string) (MockResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{Dir: dir, Name: name, Args: slices.Clone(args)})
	for _, r := range m.rules {
		if r.name != name {
			continue
		}
		if r.exact && slices.Equal(r.args, args) {
			return r.resp, true
		}
		if !r.exact && len(args) >= len(r.args) && slices.Equal(r.args, args[:len(r.args)]) {
			return r.resp, true
		}
	}
	return MockResponse{}, false
}

func (m *MockExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	if resp, ok := m.match(dir, name, args); ok {
		return resp.Stdout, resp.Stderr, resp.Err
	}
	if m.fallback != nil {
		return m.fallback.Run(ctx, dir, name, args...)
	}
	return nil, nil, fmt.Errorf("mock executor: no rule for %s %v", name, args)
}

func (m *MockExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	stdout, _, err := m.Run(ctx, dir, name, args...)
	return stdout, err
}

func (m *MockExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	stdout, stderr, err := m.Run(ctx, dir, name, args...)
	return append(stdout, stderr...), err
}
