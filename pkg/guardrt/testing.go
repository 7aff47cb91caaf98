package guardrt

import (
	"fmt"
	"strings"
	"sync"
)

// T is the handle passed to guard fixtures. Fixtures are plain functions of
// the form func TestXxx(t *guardrt.T) evaluated by the verifier's
// interpreter; they construct a stub API, call the guard, and assert on the
// outcome.
type T struct {
	name string

	mu       sync.Mutex
	failures []string
}

// fatalSignal unwinds a fixture after Fatalf.
type fatalSignal struct{}

// NewT creates a fixture handle for the named test.
func NewT(name string) *T {
	return &T{name: name}
}

// Name returns the fixture name.
func (t *T) Name() string { return t.name }

// Errorf records a failure and continues.
func (t *T) Errorf(format string, args ...interface{}) {
	t.mu.Lock()
	t.failures = append(t.failures, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

// Fatalf records a failure and stops the fixture.
func (t *T) Fatalf(format string, args ...interface{}) {
	t.Errorf(format, args...)
	panic(fatalSignal{})
}

// ExpectViolation asserts err is a policy violation whose message mentions
// every substring in contains (case-insensitive).
func (t *T) ExpectViolation(err error, contains ...string) {
	if err == nil {
		t.Errorf("expected a policy violation, but the guard allowed the call")
		return
	}
	v, ok := AsViolation(err)
	if !ok {
		t.Errorf("expected a policy violation, got a non-violation error: %v", err)
		return
	}
	msg := strings.ToLower(v.Message)
	for _, want := range contains {
		if !strings.Contains(msg, strings.ToLower(want)) {
			t.Errorf("violation message %q does not mention %q", v.Message, want)
		}
	}
}

// ExpectAllowed asserts the guard returned nil.
func (t *T) ExpectAllowed(err error) {
	if err == nil {
		return
	}
	if v, ok := AsViolation(err); ok {
		t.Errorf("expected the call to be allowed, but the guard raised a violation: %s", v.Message)
		return
	}
	t.Errorf("guard returned a non-violation error: %v", err)
}

// Failed reports whether any failure was recorded.
func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures) > 0
}

// Failures returns a copy of the recorded failure messages.
func (t *T) Failures() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.failures))
	copy(out, t.failures)
	return out
}

// RunTest runs fn against a fresh T. Fatalf unwinds are absorbed; any other
// panic is recorded as a failure instead of escaping.
func RunTest(name string, fn func(*T)) (t *T) {
	t = NewT(name)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(fatalSignal); ok {
				return
			}
			t.Errorf("panic: %v", r)
		}
	}()
	fn(t)
	return t
}
