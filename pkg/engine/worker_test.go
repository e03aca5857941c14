package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBackend is a scriptable Launcher whose applications and resources
// record every call under one mutex.
type fakeBackend struct {
	mu              sync.Mutex
	launches        int
	quits           int
	opens           map[string]int
	saves           map[string]int
	closes          map[string]int
	refreshFailures map[string]int // remaining failures per path; -1 fails forever
	refreshHooks    map[string]func() error
	launchErrs      []error // indexed by launch number, nil entries succeed
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		opens:           map[string]int{},
		saves:           map[string]int{},
		closes:          map[string]int{},
		refreshFailures: map[string]int{},
		refreshHooks:    map[string]func() error{},
	}
}

func (b *fakeBackend) Launch(ctx context.Context) (Application, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.launches
	b.launches++
	if idx < len(b.launchErrs) && b.launchErrs[idx] != nil {
		return nil, b.launchErrs[idx]
	}
	return &fakeApp{backend: b}, nil
}

func (b *fakeBackend) counts() (launches, quits int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches, b.quits
}

func (b *fakeBackend) openCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[path]
}

type fakeApp struct {
	backend *fakeBackend
}

func (a *fakeApp) Open(path string) (Resource, error) {
	a.backend.mu.Lock()
	defer a.backend.mu.Unlock()
	a.backend.opens[path]++
	return &fakeResource{backend: a.backend, path: path}, nil
}

func (a *fakeApp) Quit() error {
	a.backend.mu.Lock()
	defer a.backend.mu.Unlock()
	a.backend.quits++
	return nil
}

type fakeResource struct {
	backend *fakeBackend
	path    string
}

func (r *fakeResource) Refresh() error {
	b := r.backend
	b.mu.Lock()
	hook := b.refreshHooks[r.path]
	b.mu.Unlock()
	if hook != nil {
		return hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.refreshFailures[r.path]
	if remaining == 0 {
		return nil
	}
	if remaining > 0 {
		b.refreshFailures[r.path] = remaining - 1
	}
	return errors.New("refresh stuck on " + r.path)
}

func (r *fakeResource) Save() error {
	r.backend.mu.Lock()
	defer r.backend.mu.Unlock()
	r.backend.saves[r.path]++
	return nil
}

func (r *fakeResource) Close() error {
	r.backend.mu.Lock()
	defer r.backend.mu.Unlock()
	r.backend.closes[r.path]++
	return nil
}

type capturingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *capturingSink) Publish(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *capturingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Message
	}
	return out
}

func existsExcept(missing ...string) func(string) bool {
	skip := map[string]bool{}
	for _, m := range missing {
		skip[m] = true
	}
	return func(path string) bool { return !skip[path] }
}

func runWorker(t *testing.T, w *SyncWorker) *SyncReport {
	t.Helper()
	w.Start(context.Background())
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}
	report := w.Report()
	if report == nil {
		t.Fatal("Report() = nil after Done")
	}
	return report
}

func TestSyncWorkerSyncsAllResources(t *testing.T) {
	backend := newFakeBackend()
	w := NewSyncWorker(backend, WorkerConfig{
		Resources: []string{"a.xlsx", "b.xlsx", "c.xlsx"},
		Exists:    existsExcept(),
	}, nil, nil, nil)

	report := runWorker(t, w)

	if report.Failed() {
		t.Fatalf("run failed: %v", report.Err)
	}
	synced, missing, exhausted := report.Counts()
	if synced != 3 || missing != 0 || exhausted != 0 {
		t.Errorf("Counts() = %d/%d/%d, want 3/0/0", synced, missing, exhausted)
	}
	for _, path := range []string{"a.xlsx", "b.xlsx", "c.xlsx"} {
		if n := backend.openCount(path); n != 1 {
			t.Errorf("opens[%s] = %d, want 1", path, n)
		}
	}
	launches, quits := backend.counts()
	if launches != 1 || quits != 1 {
		t.Errorf("launches/quits = %d/%d, want 1/1", launches, quits)
	}
	if report.Launches != 1 || report.Teardowns != 1 {
		t.Errorf("report Launches/Teardowns = %d/%d, want 1/1", report.Launches, report.Teardowns)
	}
	for _, o := range report.Outcomes {
		if o.Status != ResourceStatusSynced || o.Attempts != 1 {
			t.Errorf("outcome %s = %s attempts %d, want synced/1", o.Path, o.Status, o.Attempts)
		}
	}
}

func TestSyncWorkerChecksExistenceAndSkipsMissing(t *testing.T) {
	backend := newFakeBackend()
	var mu sync.Mutex
	checked := map[string]int{}
	exists := func(path string) bool {
		mu.Lock()
		checked[path]++
		mu.Unlock()
		return path != "b.xlsx" && path != "d.xlsx"
	}

	w := NewSyncWorker(backend, WorkerConfig{
		Resources: []string{"a.xlsx", "b.xlsx", "c.xlsx", "d.xlsx"},
		Exists:    exists,
	}, nil, nil, nil)

	report := runWorker(t, w)

	mu.Lock()
	for _, path := range []string{"a.xlsx", "b.xlsx", "c.xlsx", "d.xlsx"} {
		if checked[path] != 1 {
			t.Errorf("existence checked %d times for %s, want 1", checked[path], path)
		}
	}
	mu.Unlock()

	wantStatus := []ResourceStatus{
		ResourceStatusSynced, ResourceStatusMissing,
		ResourceStatusSynced, ResourceStatusMissing,
	}
	for i, o := range report.Outcomes {
		if o.Status != wantStatus[i] {
			t.Errorf("outcome %s = %s, want %s", o.Path, o.Status, wantStatus[i])
		}
	}
	if n := backend.openCount("b.xlsx"); n != 0 {
		t.Errorf("opens[b.xlsx] = %d, want 0: missing resources must not be opened", n)
	}
	if n := backend.openCount("d.xlsx"); n != 0 {
		t.Errorf("opens[d.xlsx] = %d, want 0", n)
	}
	synced, missing, _ := report.Counts()
	if synced != 2 || missing != 2 {
		t.Errorf("Counts() = %d synced %d missing, want 2/2", synced, missing)
	}
}

func TestSyncWorkerRetriesThenSyncs(t *testing.T) {
	backend := newFakeBackend()
	backend.refreshFailures["a.xlsx"] = 2

	w := NewSyncWorker(backend, WorkerConfig{
		Resources:  []string{"a.xlsx"},
		MaxRetries: 5,
		Exists:     existsExcept(),
	}, nil, nil, nil)

	report := runWorker(t, w)

	o := report.Outcomes[0]
	if o.Status != ResourceStatusSynced {
		t.Fatalf("status = %s, want synced", o.Status)
	}
	if o.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", o.Attempts)
	}
	if n := backend.openCount("a.xlsx"); n != 3 {
		t.Errorf("opens = %d, want 3: every attempt reopens the resource", n)
	}
	backend.mu.Lock()
	saves, closes := backend.saves["a.xlsx"], backend.closes["a.xlsx"]
	backend.mu.Unlock()
	if saves != 1 {
		t.Errorf("saves = %d, want 1", saves)
	}
	if closes != 3 {
		t.Errorf("closes = %d, want 3: failed attempts close their handle", closes)
	}
}

func TestSyncWorkerExhaustsAndRestartsApplication(t *testing.T) {
	backend := newFakeBackend()
	backend.refreshFailures["a.xlsx"] = -1

	w := NewSyncWorker(backend, WorkerConfig{
		Resources:  []string{"a.xlsx", "b.xlsx"},
		MaxRetries: 4,
		Exists:     existsExcept(),
	}, nil, nil, nil)

	report := runWorker(t, w)

	if report.Failed() {
		t.Fatalf("abandoned resource failed the run: %v", report.Err)
	}
	a := report.Outcomes[0]
	if a.Status != ResourceStatusExhausted {
		t.Fatalf("status = %s, want exhausted", a.Status)
	}
	if a.Attempts != 4 {
		t.Errorf("Attempts = %d, want the full budget of 4", a.Attempts)
	}
	if !a.AppRestarted {
		t.Error("AppRestarted = false")
	}
	if a.Err == nil {
		t.Error("exhausted outcome carries no error")
	}
	if n := backend.openCount("a.xlsx"); n != 4 {
		t.Errorf("opens[a.xlsx] = %d, want 4", n)
	}

	// The next resource syncs on the fresh application.
	if b := report.Outcomes[1]; b.Status != ResourceStatusSynced {
		t.Errorf("outcome b = %s, want synced", b.Status)
	}
	launches, quits := backend.counts()
	if launches != 2 {
		t.Errorf("launches = %d, want 2: exhaustion relaunches the application", launches)
	}
	if quits != 2 {
		t.Errorf("quits = %d, want 2: restart teardown plus final teardown", quits)
	}
	if report.Launches != 2 || report.Teardowns != 2 {
		t.Errorf("report Launches/Teardowns = %d/%d, want 2/2", report.Launches, report.Teardowns)
	}
}

func TestSyncWorkerMixedOutcomes(t *testing.T) {
	backend := newFakeBackend()
	backend.refreshFailures["c.xlsx"] = -1

	w := NewSyncWorker(backend, WorkerConfig{
		Resources:  []string{"a.xlsx", "b.xlsx", "c.xlsx"},
		MaxRetries: 5,
		Exists:     existsExcept("b.xlsx"),
	}, nil, nil, nil)

	report := runWorker(t, w)

	wantStatus := []ResourceStatus{
		ResourceStatusSynced, ResourceStatusMissing, ResourceStatusExhausted,
	}
	for i, o := range report.Outcomes {
		if o.Status != wantStatus[i] {
			t.Errorf("outcome %s = %s, want %s", o.Path, o.Status, wantStatus[i])
		}
	}
	if c := report.Outcomes[2]; c.Attempts != 5 {
		t.Errorf("attempts on c = %d, want 5", c.Attempts)
	}
	_, quits := backend.counts()
	if quits != 2 {
		t.Errorf("quits = %d, want exactly 2", quits)
	}
	if got := StatusForReport(report, nil); got != RunStatusPartial {
		t.Errorf("StatusForReport() = %s, want partial", got)
	}
}

func TestSyncWorkerStopSkipsRemainingResources(t *testing.T) {
	backend := newFakeBackend()
	inRefresh := make(chan struct{})
	proceed := make(chan struct{})
	backend.refreshHooks["a.xlsx"] = func() error {
		close(inRefresh)
		<-proceed
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := NewSyncWorker(backend, WorkerConfig{
		Resources: []string{"a.xlsx", "b.xlsx", "c.xlsx"},
		Exists:    existsExcept(),
	}, nil, nil, nil)
	w.Start(ctx)

	<-inRefresh
	cancel()
	close(proceed)
	<-w.Done()

	report := w.Report()
	if !report.StopRequested {
		t.Error("StopRequested = false")
	}
	wantStatus := []ResourceStatus{
		ResourceStatusSynced, ResourceStatusSkipped, ResourceStatusSkipped,
	}
	for i, o := range report.Outcomes {
		if o.Status != wantStatus[i] {
			t.Errorf("outcome %s = %s, want %s", o.Path, o.Status, wantStatus[i])
		}
	}
	for _, path := range []string{"b.xlsx", "c.xlsx"} {
		if n := backend.openCount(path); n != 0 {
			t.Errorf("opens[%s] = %d, want 0: skipped resources must never be opened", path, n)
		}
	}
	if _, quits := backend.counts(); quits != 1 {
		t.Errorf("quits = %d, want 1: the application still gets its final teardown", quits)
	}
}

func TestSyncWorkerStopWaitsForInProgressResource(t *testing.T) {
	backend := newFakeBackend()
	inRefresh := make(chan struct{})
	proceed := make(chan struct{})
	backend.refreshHooks["a.xlsx"] = func() error {
		close(inRefresh)
		<-proceed
		return nil
	}

	w := NewSyncWorker(backend, WorkerConfig{
		Resources: []string{"a.xlsx", "b.xlsx"},
		Exists:    existsExcept(),
	}, nil, nil, nil)
	w.Start(context.Background())
	<-inRefresh

	stopReturned := make(chan struct{})
	go func() {
		w.Stop()
		close(stopReturned)
	}()

	select {
	case <-stopReturned:
		t.Fatal("Stop returned while a resource was still in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(proceed)
	select {
	case <-stopReturned:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the resource finished")
	}

	report := w.Report()
	if a := report.Outcomes[0]; a.Status != ResourceStatusSynced {
		t.Errorf("in-progress resource = %s, want synced: stop never interrupts mid-resource", a.Status)
	}
	if b := report.Outcomes[1]; b.Status != ResourceStatusSkipped {
		t.Errorf("outcome b = %s, want skipped", b.Status)
	}
	if n := backend.openCount("b.xlsx"); n != 0 {
		t.Errorf("opens[b.xlsx] = %d, want 0", n)
	}
}

func TestSyncWorkerStopIdempotent(t *testing.T) {
	backend := newFakeBackend()
	w := NewSyncWorker(backend, WorkerConfig{
		Resources: []string{"a.xlsx"},
		Exists:    existsExcept(),
	}, nil, nil, nil)
	w.Start(context.Background())

	for i := 0; i < 3; i++ {
		w.Stop()
	}
	if w.Report() == nil {
		t.Fatal("Report() = nil after Stop")
	}

	// Stop on a worker that never started returns immediately.
	idle := NewSyncWorker(newFakeBackend(), WorkerConfig{Exists: existsExcept()}, nil, nil, nil)
	idle.Stop()
	idle.Stop()
}

func TestSyncWorkerStopBeforeStart(t *testing.T) {
	backend := newFakeBackend()
	w := NewSyncWorker(backend, WorkerConfig{
		Resources: []string{"a.xlsx", "b.xlsx"},
		Exists:    existsExcept(),
	}, nil, nil, nil)

	w.Stop()
	report := runWorker(t, w)

	if !report.StopRequested {
		t.Error("StopRequested = false")
	}
	for _, o := range report.Outcomes {
		if o.Status != ResourceStatusSkipped {
			t.Errorf("outcome %s = %s, want skipped", o.Path, o.Status)
		}
	}
	launches, quits := backend.counts()
	if launches != 1 || quits != 1 {
		t.Errorf("launches/quits = %d/%d, want 1/1", launches, quits)
	}
	if n := backend.openCount("a.xlsx"); n != 0 {
		t.Errorf("opens = %d, want 0", n)
	}
}

func TestSyncWorkerLaunchFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.launchErrs = []error{errors.New("no display")}

	w := NewSyncWorker(backend, WorkerConfig{
		Resources: []string{"a.xlsx", "b.xlsx"},
		Exists:    existsExcept(),
	}, nil, nil, nil)

	report := runWorker(t, w)

	if !report.Failed() {
		t.Fatal("report.Failed() = false when launch failed")
	}
	if !strings.Contains(report.Err.Error(), "failed to launch application") {
		t.Errorf("Err = %v", report.Err)
	}
	for _, o := range report.Outcomes {
		if o.Status != ResourceStatusSkipped {
			t.Errorf("outcome %s = %s, want skipped", o.Path, o.Status)
		}
	}
	if _, quits := backend.counts(); quits != 0 {
		t.Errorf("quits = %d, want 0", quits)
	}
}

func TestSyncWorkerRelaunchFailureAbortsRun(t *testing.T) {
	backend := newFakeBackend()
	backend.refreshFailures["a.xlsx"] = -1
	backend.launchErrs = []error{nil, errors.New("backend gone")}

	w := NewSyncWorker(backend, WorkerConfig{
		Resources:  []string{"a.xlsx", "b.xlsx"},
		MaxRetries: 2,
		Exists:     existsExcept(),
	}, nil, nil, nil)

	report := runWorker(t, w)

	if !report.Failed() {
		t.Fatal("report.Failed() = false when relaunch failed")
	}
	if !strings.Contains(report.Err.Error(), "failed to relaunch application") {
		t.Errorf("Err = %v", report.Err)
	}
	wantStatus := []ResourceStatus{ResourceStatusExhausted, ResourceStatusSkipped}
	for i, o := range report.Outcomes {
		if o.Status != wantStatus[i] {
			t.Errorf("outcome %s = %s, want %s", o.Path, o.Status, wantStatus[i])
		}
	}
	if n := backend.openCount("b.xlsx"); n != 0 {
		t.Errorf("opens[b.xlsx] = %d, want 0", n)
	}
	if _, quits := backend.counts(); quits != 1 {
		t.Errorf("quits = %d, want 1: only the restart teardown ran", quits)
	}
	if got := StatusForReport(report, nil); got != RunStatusFailed {
		t.Errorf("StatusForReport() = %s, want failed", got)
	}
}

func TestSyncWorkerPublishesEvents(t *testing.T) {
	backend := newFakeBackend()
	sink := &capturingSink{}

	w := NewSyncWorker(backend, WorkerConfig{
		Resources: []string{"a.xlsx", "b.xlsx"},
		Exists:    existsExcept("b.xlsx"),
	}, nil, nil, sink)

	runWorker(t, w)

	msgs := sink.messages()
	for _, want := range []string{
		"application launched",
		"resource synced on attempt 1",
		"resource not found, skipping",
	} {
		found := false
		for _, m := range msgs {
			if m == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("event %q not published; got %v", want, msgs)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, ev := range sink.events {
		if ev.Message == "resource not found, skipping" && ev.Resource != "b.xlsx" {
			t.Errorf("missing-resource event carries resource %q, want b.xlsx", ev.Resource)
		}
	}
}
