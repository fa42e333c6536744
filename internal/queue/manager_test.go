package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bengillin/walkietalkiebot-sub001/internal/agent"
	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu     sync.Mutex
	jobs   map[string]*types.Job
	order  []string
	events []types.JobEvent
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*types.Job)}
}

func (s *fakeStore) InsertJob(job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	s.jobs[job.ID] = &j
	s.order = append(s.order, job.ID)
	return nil
}

func (s *fakeStore) GetJob(id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	j := *job
	return &j, nil
}

func (s *fakeStore) ListJobs(filter types.JobFilter, limit int) ([]types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.ConversationID != nil && job.ConversationID != *filter.ConversationID {
			continue
		}
		out = append(out, *job)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) UpdateJob(id string, updates types.JobUpdates) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errors.New("no such job")
	}
	if updates.Status != nil {
		job.Status = *updates.Status
	}
	if updates.Result.Set {
		job.Result = updates.Result.Value
	}
	if updates.Error.Set {
		job.Error = updates.Error.Value
	}
	if updates.PID.Set {
		job.PID = updates.PID.Value
	}
	if updates.StartedAt.Set {
		job.StartedAt = updates.StartedAt.Value
	}
	if updates.CompletedAt.Set {
		job.CompletedAt = updates.CompletedAt.Value
	}
	job.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (s *fakeStore) AppendEvent(jobID, eventType, data string) (*types.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev := types.JobEvent{ID: s.nextID, JobID: jobID, Type: eventType, Data: data, TS: time.Now().UnixMilli()}
	s.events = append(s.events, ev)
	return &ev, nil
}

func (s *fakeStore) ListEvents(jobID string, sinceID int64) ([]types.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.JobEvent
	for _, ev := range s.events {
		if ev.JobID == jobID && ev.ID > sinceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkStaleJobsFailed(message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.Status == types.JobQueued || job.Status == types.JobRunning {
			job.Status = types.JobFailed
			msg := message
			job.Error = &msg
			job.PID = nil
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) status(t *testing.T, id string) types.JobStatus {
	t.Helper()
	job, _ := s.GetJob(id)
	if job == nil {
		t.Fatalf("job %s missing", id)
	}
	return job.Status
}

// fakeRunner hands out controllable run handles. Like the real runner it
// never invokes callbacks inside Start; tests drive them afterwards.
type fakeRun struct {
	req    agent.Request
	pid    int
	mu     sync.Mutex
	killed bool
	done   chan int
}

func (r *fakeRun) PID() int { return r.pid }

func (r *fakeRun) Kill() {
	r.mu.Lock()
	r.killed = true
	r.mu.Unlock()
}

func (r *fakeRun) Done() <-chan int { return r.done }

func (r *fakeRun) wasKilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}

// complete reports process exit the way the real runner's monitor
// goroutine does.
func (r *fakeRun) complete(code int) {
	if r.req.OnComplete != nil {
		r.req.OnComplete(code)
	}
	r.done <- code
	close(r.done)
}

func (r *fakeRun) emit(ev types.ActivityEvent) {
	if r.req.OnActivity != nil {
		r.req.OnActivity(ev)
	}
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []*fakeRun
}

func (f *fakeRunner) Start(ctx context.Context, req agent.Request) agent.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &fakeRun{req: req, pid: 1000 + len(f.runs), done: make(chan int, 1)}
	f.runs = append(f.runs, run)
	return run
}

func (f *fakeRunner) run(i int) *fakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.runs) {
		return nil
	}
	return f.runs[i]
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// recordingConv captures appended assistant turns.
type recordingConv struct {
	mu    sync.Mutex
	turns []string
}

func (c *recordingConv) AppendAssistantMessage(conversationID, text, source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, text)
	return nil
}

// recordingNotifier signals each dispatched notification.
type recordingNotifier struct {
	ch chan types.Notification
}

func (n *recordingNotifier) Dispatch(notification types.Notification) error {
	n.ch <- notification
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeRunner) {
	t.Helper()
	store := newFakeStore()
	runner := &fakeRunner{}
	m := New(store, runner, Config{})
	t.Cleanup(m.Shutdown)
	return m, store, runner
}

func TestCreateJobRequiresPrompt(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.CreateJob("conv", "   ", "web", nil); err == nil {
		t.Fatal("expected error for blank prompt")
	}
}

func TestSingleJobRunsAtATime(t *testing.T) {
	m, store, runner := newTestManager(t)

	first, err := m.CreateJob("conv", "first", "web", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := m.CreateJob("conv", "second", "web", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if runner.count() != 1 {
		t.Fatalf("runs started = %d, want 1", runner.count())
	}
	if got := store.status(t, first.ID); got != types.JobRunning {
		t.Fatalf("first status = %s", got)
	}
	if got := store.status(t, second.ID); got != types.JobQueued {
		t.Fatalf("second status = %s", got)
	}

	job, _ := store.GetJob(first.ID)
	if job.PID == nil || *job.PID != 1000 {
		t.Fatalf("pid = %v", job.PID)
	}
	if job.StartedAt == nil {
		t.Fatal("started_at not set")
	}
}

func TestFIFOAdmission(t *testing.T) {
	m, store, runner := newTestManager(t)

	first, _ := m.CreateJob("conv", "first", "web", nil)
	second, _ := m.CreateJob("conv", "second", "web", nil)
	third, _ := m.CreateJob("conv", "third", "web", nil)

	runner.run(0).complete(0)
	if got := store.status(t, first.ID); got != types.JobCompleted {
		t.Fatalf("first status = %s", got)
	}
	if got := store.status(t, second.ID); got != types.JobRunning {
		t.Fatalf("second status = %s", got)
	}
	if got := store.status(t, third.ID); got != types.JobQueued {
		t.Fatalf("third status = %s", got)
	}

	runner.run(1).complete(0)
	if got := store.status(t, third.ID); got != types.JobRunning {
		t.Fatalf("third status = %s", got)
	}
	if runner.count() != 3 {
		t.Fatalf("runs = %d", runner.count())
	}
}

func TestCompletedJobCollectsResult(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	conv := &recordingConv{}
	m := New(store, runner, Config{Conversations: conv})
	t.Cleanup(m.Shutdown)

	job, _ := m.CreateJob("conv-1", "say hi", "telegram", nil)
	run := runner.run(0)
	run.emit(types.ActivityEvent{Kind: types.ActivityText, Text: "hello "})
	run.emit(types.ActivityEvent{Kind: types.ActivityText, Text: "there"})
	run.complete(0)

	got, _ := store.GetJob(job.ID)
	if got.Status != types.JobCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Result == nil || *got.Result != "hello there" {
		t.Fatalf("result = %v", got.Result)
	}
	if got.Error != nil {
		t.Fatalf("error = %v", *got.Error)
	}
	if got.PID != nil {
		t.Fatal("pid not cleared")
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if len(conv.turns) != 1 || conv.turns[0] != "hello there" {
		t.Fatalf("conversation turns = %v", conv.turns)
	}
}

func TestFailedJobRecordsExitCode(t *testing.T) {
	m, store, runner := newTestManager(t)

	job, _ := m.CreateJob("conv", "boom", "web", nil)
	runner.run(0).complete(2)

	got, _ := store.GetJob(job.ID)
	if got.Status != types.JobFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Error == nil || *got.Error != "Process exited with code 2" {
		t.Fatalf("error = %v", got.Error)
	}
}

func TestSpawnFailureFailsJob(t *testing.T) {
	store := newFakeStore()
	notifCh := make(chan types.Notification, 1)
	// Behaves like the real runner with a missing executable.
	failing := &failingRunner{}
	m := New(store, failing, Config{Notifier: &recordingNotifier{ch: notifCh}})
	t.Cleanup(m.Shutdown)

	job, err := m.CreateJob("conv", "hi", "web", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case n := <-notifCh:
		if n.Type != "job_failed" {
			t.Fatalf("notification = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure notification")
	}

	got, _ := store.GetJob(job.ID)
	if got.Status != types.JobFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Error == nil || *got.Error != "agent executable not found" {
		t.Fatalf("error = %v", got.Error)
	}
	// Never spawned, so never reached running.
	if got.StartedAt != nil || got.PID != nil {
		t.Fatalf("job = %+v", got)
	}

	events, _ := store.ListEvents(job.ID, 0)
	var sawError bool
	for _, ev := range events {
		if ev.Type == types.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("no error event in %v", events)
	}
}

type failingRunner struct{}

func (f *failingRunner) Start(ctx context.Context, req agent.Request) agent.Handle {
	done := make(chan int, 1)
	go func() {
		if req.OnError != nil {
			req.OnError("agent executable not found")
		}
		if req.OnComplete != nil {
			req.OnComplete(1)
		}
		done <- 1
		close(done)
	}()
	return stubFailHandle{done: done}
}

type stubFailHandle struct{ done chan int }

func (h stubFailHandle) PID() int         { return 0 }
func (h stubFailHandle) Kill()            {}
func (h stubFailHandle) Done() <-chan int { return h.done }

func TestCancelQueuedJob(t *testing.T) {
	m, store, runner := newTestManager(t)

	m.CreateJob("conv", "running", "web", nil)
	queued, _ := m.CreateJob("conv", "waiting", "web", nil)

	if err := m.Cancel(queued.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := store.status(t, queued.ID); got != types.JobCancelled {
		t.Fatalf("status = %s", got)
	}
	if runner.count() != 1 {
		t.Fatalf("cancelled job was started, runs = %d", runner.count())
	}
}

func TestCancelRunningJobKillsProcess(t *testing.T) {
	m, store, runner := newTestManager(t)

	running, _ := m.CreateJob("conv", "first", "web", nil)
	next, _ := m.CreateJob("conv", "second", "web", nil)

	if err := m.Cancel(running.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	run := runner.run(0)
	if !run.wasKilled() {
		t.Fatal("process not killed")
	}
	if got := store.status(t, running.ID); got != types.JobCancelled {
		t.Fatalf("status = %s", got)
	}
	// Next queued job is admitted immediately.
	if got := store.status(t, next.ID); got != types.JobRunning {
		t.Fatalf("next status = %s", got)
	}

	// The killed process's late exit report must not overwrite cancelled.
	run.complete(0)
	if got := store.status(t, running.ID); got != types.JobCancelled {
		t.Fatalf("status after late exit = %s", got)
	}
	job, _ := store.GetJob(running.ID)
	if job.Result != nil {
		t.Fatalf("cancelled job got result %q", *job.Result)
	}
}

func TestCancelTerminalJob(t *testing.T) {
	m, _, runner := newTestManager(t)

	job, _ := m.CreateJob("conv", "first", "web", nil)
	runner.run(0).complete(0)

	err := m.Cancel(job.ID)
	var notCancellable *NotCancellableError
	if !errors.As(err, &notCancellable) {
		t.Fatalf("err = %v", err)
	}
	if notCancellable.Status != types.JobCompleted {
		t.Fatalf("status = %s", notCancellable.Status)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Cancel("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestLateActivityFromCancelledRunDropped(t *testing.T) {
	m, store, runner := newTestManager(t)

	job, _ := m.CreateJob("conv", "first", "web", nil)
	if err := m.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before, _ := store.ListEvents(job.ID, 0)

	runner.run(0).emit(types.ActivityEvent{Kind: types.ActivityText, Text: "too late"})

	after, _ := store.ListEvents(job.ID, 0)
	if len(after) != len(before) {
		t.Fatalf("late event persisted: %v", after[len(after)-1])
	}
}

func TestInitFailsStaleJobs(t *testing.T) {
	store := newFakeStore()
	stale := types.Job{ID: "stale", Prompt: "p", Status: types.JobRunning, CreatedAt: 1, UpdatedAt: 1}
	store.InsertJob(stale)

	m := New(store, &fakeRunner{}, Config{})
	t.Cleanup(m.Shutdown)
	if err := m.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	got, _ := store.GetJob("stale")
	if got.Status != types.JobFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Error == nil || *got.Error != RestartFailureMessage {
		t.Fatalf("error = %v", got.Error)
	}
}

func TestHistoryPersistedAndPassedToRunner(t *testing.T) {
	m, store, runner := newTestManager(t)

	history := []types.Turn{{Role: "user", Text: "earlier question"}}
	job, _ := m.CreateJob("conv", "follow-up", "web", history)

	events, _ := store.ListEvents(job.ID, 0)
	if len(events) == 0 || events[0].Type != types.EventContext {
		t.Fatalf("first event = %+v", events)
	}

	run := runner.run(0)
	if len(run.req.History) != 1 || run.req.History[0].Text != "earlier question" {
		t.Fatalf("runner history = %+v", run.req.History)
	}
	if run.req.Prompt != "follow-up" {
		t.Fatalf("runner prompt = %q", run.req.Prompt)
	}
}

func TestSubscribeReceivesLiveEventsAndDone(t *testing.T) {
	m, _, runner := newTestManager(t)

	job, _ := m.CreateJob("conv", "hi", "web", nil)

	var mu sync.Mutex
	var received []types.JobEvent
	unsubscribe := m.Subscribe(job.ID, func(ev types.JobEvent) error {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		return nil
	})
	defer unsubscribe()

	run := runner.run(0)
	run.emit(types.ActivityEvent{Kind: types.ActivityText, Text: "answer"})
	run.complete(0)

	mu.Lock()
	defer mu.Unlock()
	if len(received) < 3 {
		t.Fatalf("received = %+v", received)
	}
	last := received[len(received)-1]
	if last.Type != types.EventDone || last.ID != 0 {
		t.Fatalf("last event = %+v", last)
	}
	if !strings.Contains(last.Data, string(types.JobCompleted)) {
		t.Fatalf("done data = %s", last.Data)
	}
	var sawText bool
	for _, ev := range received {
		if ev.Type == types.EventText {
			sawText = true
			if ev.ID == 0 {
				t.Fatal("persisted event missing id")
			}
		}
	}
	if !sawText {
		t.Fatalf("no text event in %+v", received)
	}
}

func TestFailingSubscriberUnsubscribed(t *testing.T) {
	m, _, runner := newTestManager(t)

	job, _ := m.CreateJob("conv", "hi", "web", nil)

	var mu sync.Mutex
	calls := 0
	m.Subscribe(job.ID, func(ev types.JobEvent) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("stream closed")
	})

	run := runner.run(0)
	run.emit(types.ActivityEvent{Kind: types.ActivityText, Text: "a"})
	run.emit(types.ActivityEvent{Kind: types.ActivityText, Text: "b"})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestReplayMatchesLiveStream(t *testing.T) {
	m, store, runner := newTestManager(t)

	job, _ := m.CreateJob("conv", "hi", "web", nil)
	run := runner.run(0)
	run.emit(types.ActivityEvent{Kind: types.ActivityText, Text: "part one "})
	run.emit(types.ActivityEvent{Kind: types.ActivityToolStart, ToolID: "t1", Tool: "Bash", Summary: "ls"})
	run.emit(types.ActivityEvent{Kind: types.ActivityToolEnd, ToolID: "t1", Tool: "Bash", Status: "ok"})
	run.emit(types.ActivityEvent{Kind: types.ActivityText, Text: "part two"})
	run.complete(0)

	events, err := store.ListEvents(job.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var gotTypes []string
	for _, ev := range events {
		gotTypes = append(gotTypes, ev.Type)
	}
	want := []string{
		types.EventStatusChange, // queued
		types.EventStatusChange, // running
		types.EventText,
		types.EventToolStart,
		types.EventToolEnd,
		types.EventText,
		types.EventStatusChange, // completed
	}
	if len(gotTypes) != len(want) {
		t.Fatalf("types = %v", gotTypes)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("types[%d] = %s, want %s (%v)", i, gotTypes[i], want[i], gotTypes)
		}
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("ids not increasing: %v", events)
		}
	}
}
