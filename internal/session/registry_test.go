package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sandbar-dev/sandbar/internal/backend"
)

// fakeBackend counts provisions and terminations and can be told to fail.
// terminateStarted/terminateGate, when set, let a test hold Terminate open
// to stage interleavings with a concurrent Start.
type fakeBackend struct {
	mu           sync.Mutex
	provisions   int
	terminations int
	provisionErr error
	terminateErr error

	terminateStarted chan struct{}
	terminateGate    chan struct{}
}

func (f *fakeBackend) Kind() backend.Kind { return backend.KindLocal }

func (f *fakeBackend) Provision(_ context.Context, ws string) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.provisions++
	return fakeHandle{id: "local-" + ws}, nil
}

func (f *fakeBackend) Exec(backend.Handle) (backend.Duplex, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBackend) Resize(backend.Handle, uint16, uint16) error { return nil }
func (f *fakeBackend) IsAlive(backend.Handle) bool                 { return true }

func (f *fakeBackend) Terminate(context.Context, backend.Handle) error {
	if f.terminateStarted != nil {
		f.terminateStarted <- struct{}{}
	}
	if f.terminateGate != nil {
		<-f.terminateGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminations++
	return nil
}

func (f *fakeBackend) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisions, f.terminations
}

// fakeLocator resolves project ids from a fixed set.
type fakeLocator struct {
	known map[string]string
}

func (l *fakeLocator) Resolve(projectID string) (string, error) {
	ws, ok := l.known[projectID]
	if !ok {
		return "", fmt.Errorf("project %q: %w", projectID, errNoWorkspace)
	}
	return ws, nil
}

var errNoWorkspace = errors.New("no workspace")

func newTestRegistry(fb *fakeBackend, projects ...string) *Registry {
	known := make(map[string]string, len(projects))
	for _, p := range projects {
		known[p] = "/ws/" + p
	}
	return NewRegistry(fb, &fakeLocator{known: known}, nil, nil)
}

func TestStartIsIdempotent(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(fb, "p1")

	first, err := r.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if first.State() != Running {
		t.Fatalf("state after Start = %s, want running", first.State())
	}

	second, err := r.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first != second {
		t.Error("second Start returned a different session")
	}
	if p, _ := fb.counts(); p != 1 {
		t.Errorf("provisions = %d, want 1", p)
	}
}

func TestStartConcurrentProvisionsOnce(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(fb, "p1")

	const n = 16
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Start(context.Background(), "p1")
			if err != nil {
				t.Errorf("concurrent Start: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if p, _ := fb.counts(); p != 1 {
		t.Fatalf("provisions = %d, want 1", p)
	}
	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("goroutine %d got a different session", i)
		}
	}
}

func TestStartUnknownProject(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(fb, "p1")

	if _, err := r.Start(context.Background(), "ghost"); !errors.Is(err, errNoWorkspace) {
		t.Fatalf("Start(ghost) = %v, want locator error", err)
	}
	if r.Get("ghost") != nil {
		t.Error("failed Start left a session behind")
	}
}

func TestStartProvisionFailureAllowsRetry(t *testing.T) {
	fb := &fakeBackend{provisionErr: errors.New("boom")}
	r := newTestRegistry(fb, "p1")

	if _, err := r.Start(context.Background(), "p1"); err == nil {
		t.Fatal("Start with failing backend succeeded")
	}
	if r.Get("p1") != nil {
		t.Fatal("failed Start left a session behind")
	}

	fb.mu.Lock()
	fb.provisionErr = nil
	fb.mu.Unlock()

	sess, err := r.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if sess.State() != Running {
		t.Errorf("state after retry = %s, want running", sess.State())
	}
}

func TestStopTerminatesAndEvicts(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(fb, "p1")

	sess, err := r.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := r.Stop(context.Background(), "p1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sess.State() != Terminated {
		t.Errorf("state after Stop = %s, want terminated", sess.State())
	}
	if _, terms := fb.counts(); terms != 1 {
		t.Errorf("terminations = %d, want 1", terms)
	}
	if r.Get("p1") != nil {
		t.Error("Stop did not evict the session")
	}
}

func TestStopWithoutSessionIsNoOp(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(fb, "p1")

	if err := r.Stop(context.Background(), "p1"); err != nil {
		t.Fatalf("Stop with no session: %v", err)
	}
	if _, terms := fb.counts(); terms != 0 {
		t.Errorf("terminations = %d, want 0", terms)
	}
}

func TestStopRetriesAfterTerminateFailure(t *testing.T) {
	fb := &fakeBackend{terminateErr: errors.New("daemon hiccup")}
	r := newTestRegistry(fb, "p1")

	sess, err := r.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := r.Stop(context.Background(), "p1"); err == nil {
		t.Fatal("Stop with failing terminate succeeded")
	}
	if sess.State() != Stopping {
		t.Fatalf("state after failed Stop = %s, want stopping", sess.State())
	}
	// The session must not be resurrectable while termination is unconfirmed.
	if got := r.Get("p1"); got != sess {
		t.Fatal("failed Stop evicted the session prematurely")
	}

	fb.mu.Lock()
	fb.terminateErr = nil
	fb.mu.Unlock()

	if err := r.Stop(context.Background(), "p1"); err != nil {
		t.Fatalf("retried Stop: %v", err)
	}
	if sess.State() != Terminated {
		t.Errorf("state after retried Stop = %s, want terminated", sess.State())
	}
	if r.Get("p1") != nil {
		t.Error("retried Stop did not evict the session")
	}
}

func TestStartRacingStopStaysVisible(t *testing.T) {
	fb := &fakeBackend{
		terminateStarted: make(chan struct{}, 1),
		terminateGate:    make(chan struct{}),
	}
	r := newTestRegistry(fb, "p1")

	if _, err := r.Start(context.Background(), "p1"); err != nil {
		t.Fatalf("initial Start: %v", err)
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- r.Stop(context.Background(), "p1") }()
	// Stop now holds the entry lock inside Terminate.
	<-fb.terminateStarted

	startDone := make(chan *Session, 1)
	go func() {
		s, err := r.Start(context.Background(), "p1")
		if err != nil {
			t.Errorf("racing Start: %v", err)
		}
		startDone <- s
	}()

	// Let the racing Start queue up on the entry lock, then let Stop finish
	// and evict the entry out from under it.
	time.Sleep(20 * time.Millisecond)
	close(fb.terminateGate)

	if err := <-stopDone; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	sess := <-startDone
	if sess == nil {
		t.Fatal("racing Start returned no session")
	}
	if sess.State() != Running {
		t.Fatalf("racing Start state = %s, want running", sess.State())
	}

	// The session must be owned by the registry, not orphaned on an entry the
	// eviction removed.
	if got := r.Get("p1"); got != sess {
		t.Fatalf("Get() = %v, want the session the racing Start returned", got)
	}

	// And a follow-up Start must reuse it instead of provisioning a second
	// live sandbox for the project.
	again, err := r.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("follow-up Start: %v", err)
	}
	if again != sess {
		t.Error("follow-up Start provisioned a duplicate session")
	}
	if p, _ := fb.counts(); p != 2 {
		t.Errorf("provisions = %d, want 2 (initial + racing restart)", p)
	}
}

func TestProjectsAreIndependent(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(fb, "p1", "p2")

	s1, err := r.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Start p1: %v", err)
	}
	s2, err := r.Start(context.Background(), "p2")
	if err != nil {
		t.Fatalf("Start p2: %v", err)
	}
	if s1 == s2 {
		t.Fatal("two projects share a session")
	}

	if err := r.Stop(context.Background(), "p1"); err != nil {
		t.Fatalf("Stop p1: %v", err)
	}
	if s2.State() != Running {
		t.Errorf("stopping p1 changed p2 state to %s", s2.State())
	}
	if got := r.Get("p2"); got != s2 {
		t.Error("stopping p1 evicted p2")
	}
}

func TestListAndStopAll(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(fb, "p1", "p2", "p3")

	for _, p := range []string{"p1", "p2", "p3"} {
		if _, err := r.Start(context.Background(), p); err != nil {
			t.Fatalf("Start %s: %v", p, err)
		}
	}
	if got := len(r.List()); got != 3 {
		t.Fatalf("List() = %d sessions, want 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.StopAll(ctx)

	if got := len(r.List()); got != 0 {
		t.Errorf("List() after StopAll = %d sessions, want 0", got)
	}
	if _, terms := fb.counts(); terms != 3 {
		t.Errorf("terminations = %d, want 3", terms)
	}
}
