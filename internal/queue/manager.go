// Package queue sequences agent jobs: one-at-a-time admission, an
// append-only event log per job, and live fan-out to subscribers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bengillin/walkietalkiebot-sub001/internal/agent"
	"github.com/bengillin/walkietalkiebot-sub001/internal/notify"
	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// RestartFailureMessage marks jobs found queued or running at startup. Jobs
// never resume across restarts; the process handle is gone.
const RestartFailureMessage = "server restarted while job was in flight"

// ErrJobNotFound is returned by Cancel for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// NotCancellableError reports a cancel attempt on a job that is already
// terminal (or in an inconsistent running state).
type NotCancellableError struct {
	Status types.JobStatus
}

func (e *NotCancellableError) Error() string {
	return "not cancellable, status=" + string(e.Status)
}

// Store is the durable job/event repository the manager runs against.
type Store interface {
	InsertJob(job types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs(filter types.JobFilter, limit int) ([]types.Job, error)
	UpdateJob(id string, updates types.JobUpdates) error
	AppendEvent(jobID, eventType, data string) (*types.JobEvent, error)
	ListEvents(jobID string, sinceID int64) ([]types.JobEvent, error)
	MarkStaleJobsFailed(message string) (int, error)
}

// ConversationStore records the agent's response as a conversation turn.
// Failures are logged, never propagated as job failures.
type ConversationStore interface {
	AppendAssistantMessage(conversationID, text, source string) error
}

// Runner starts agent invocations. Satisfied by *agent.Runner.
type Runner interface {
	Start(ctx context.Context, req agent.Request) agent.Handle
}

// Config holds optional manager collaborators.
type Config struct {
	Conversations ConversationStore
	Notifier      notify.Notifier
	Debug         bool
}

// activeRun tracks the single currently-running job.
type activeRun struct {
	jobID      string
	handle     agent.Handle
	text       strings.Builder
	firstError string
}

// Manager owns the job state machine. All admission decisions and the
// active-run slot are guarded by one mutex; at most one job is running at
// any instant.
type Manager struct {
	mu     sync.Mutex
	store  Store
	runner Runner
	conv   ConversationStore
	notif  notify.Notifier
	debug  bool

	active    *activeRun
	subs      map[string][]*subscriber
	nextSubID int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Manager. Call Init before accepting jobs.
func New(store Store, runner Runner, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	notif := cfg.Notifier
	if notif == nil {
		notif = notify.Discard{}
	}
	return &Manager{
		store:  store,
		runner: runner,
		conv:   cfg.Conversations,
		notif:  notif,
		debug:  cfg.Debug,
		subs:   make(map[string][]*subscriber),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init recovers from a prior process lifetime: any job left queued or
// running is failed with RestartFailureMessage. Jobs are never silently
// resumed because the OS process handle cannot be recovered.
func (m *Manager) Init() error {
	count, err := m.store.MarkStaleJobsFailed(RestartFailureMessage)
	if err != nil {
		return fmt.Errorf("mark stale jobs failed: %w", err)
	}
	if count > 0 {
		m.debugf("failed %d stale job(s) from previous run", count)
	}
	return nil
}

// Shutdown kills the active process, if any, and cancels pending spawns.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.active != nil && m.active.handle != nil {
		m.active.handle.Kill()
	}
	m.mu.Unlock()
	m.cancel()
}

// CreateJob queues a new job and returns immediately; execution proceeds
// asynchronously. Supplied history is persisted as a synthetic context
// event so a restarted runner can rebuild prompt context.
func (m *Manager) CreateJob(conversationID, prompt, source string, history []types.Turn) (*types.Job, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if source == "" {
		source = "api"
	}
	now := time.Now().UnixMilli()
	job := types.Job{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Prompt:         prompt,
		Source:         source,
		Status:         types.JobQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.InsertJob(job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if len(history) > 0 {
		data, err := json.Marshal(history)
		if err == nil {
			m.appendAndPublish(job.ID, types.EventContext, string(data))
		}
	}
	m.publishStatus(job.ID, types.JobQueued)
	m.admitNext()
	return &job, nil
}

// Job returns one job row, or nil if unknown.
func (m *Manager) Job(id string) (*types.Job, error) {
	return m.store.GetJob(id)
}

// Jobs lists jobs matching the filter, oldest first.
func (m *Manager) Jobs(filter types.JobFilter, limit int) ([]types.Job, error) {
	return m.store.ListJobs(filter, limit)
}

// Events returns a job's persisted events with id > sinceID.
func (m *Manager) Events(jobID string, sinceID int64) ([]types.JobEvent, error) {
	return m.store.ListEvents(jobID, sinceID)
}

// Cancel cancels a queued or running job. A queued job just flips to
// cancelled; the running job is killed and cancelled takes precedence over
// its late exit report.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return ErrJobNotFound
	}

	switch job.Status {
	case types.JobQueued:
		// Still queued in the store, but it may already hold the execution
		// slot if its spawn failed and the failure report hasn't landed.
		if m.active != nil && m.active.jobID == id {
			if m.active.handle != nil {
				m.active.handle.Kill()
			}
			m.active = nil
		}
		m.markCancelled(id)
		m.admitNext()
		return nil
	case types.JobRunning:
		if m.active == nil || m.active.jobID != id {
			// running in the store but not tracked here: inconsistent
			return &NotCancellableError{Status: job.Status}
		}
		if m.active.handle != nil {
			m.active.handle.Kill()
		}
		m.active = nil
		m.markCancelled(id)
		m.admitNext()
		return nil
	default:
		return &NotCancellableError{Status: job.Status}
	}
}

// markCancelled persists and publishes the cancelled transition. Must be
// called with m.mu held.
func (m *Manager) markCancelled(id string) {
	now := time.Now().UnixMilli()
	cancelled := types.JobCancelled
	if err := m.store.UpdateJob(id, types.JobUpdates{
		Status:      &cancelled,
		PID:         types.OptionalInt{Set: true},
		CompletedAt: types.OptionalInt64{Set: true, Value: &now},
	}); err != nil {
		m.debugf("job %s: persist cancel: %v", id, err)
	}
	m.publishStatus(id, types.JobCancelled)
	m.publishDone(id, types.JobCancelled)
}

// admitNext promotes the oldest queued job when the execution slot is
// free. Must be called with m.mu held.
func (m *Manager) admitNext() {
	if m.active != nil {
		return
	}
	queued := types.JobQueued
	jobs, err := m.store.ListJobs(types.JobFilter{Status: &queued}, 1)
	if err != nil {
		m.debugf("admission: list queued: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	m.runJob(jobs[0])
}

// runJob starts the agent and transitions the job to running. Must be
// called with m.mu held. The runner invokes all callbacks from its own
// goroutines, so holding the lock across Start is safe; callbacks block on
// the lock until this returns.
func (m *Manager) runJob(job types.Job) {
	run := &activeRun{jobID: job.ID}
	m.active = run

	handle := m.runner.Start(m.ctx, agent.Request{
		Prompt:  job.Prompt,
		History: m.loadHistory(job.ID),
		OnActivity: func(ev types.ActivityEvent) {
			m.handleActivity(job.ID, ev)
		},
		OnPlan: func(plan types.Plan) {
			m.handlePlan(job.ID, plan)
		},
		OnError: func(line string) {
			m.handleError(job.ID, line)
		},
		OnComplete: func(code int) {
			m.finalize(job.ID, code)
		},
	})
	run.handle = handle

	// A pid-0 handle means no process was spawned (agent executable
	// missing or spawn failure); the run's async failure report takes the
	// job straight from queued to failed.
	pid := handle.PID()
	if pid <= 0 {
		return
	}

	now := time.Now().UnixMilli()
	running := types.JobRunning
	if err := m.store.UpdateJob(job.ID, types.JobUpdates{
		Status:    &running,
		PID:       types.OptionalInt{Set: true, Value: &pid},
		StartedAt: types.OptionalInt64{Set: true, Value: &now},
	}); err != nil {
		m.debugf("job %s: persist running: %v", job.ID, err)
	}
	m.publishStatus(job.ID, types.JobRunning)
}

// loadHistory rebuilds the conversation history from the job's persisted
// context event. Must be called with m.mu held.
func (m *Manager) loadHistory(jobID string) []types.Turn {
	events, err := m.store.ListEvents(jobID, 0)
	if err != nil {
		m.debugf("job %s: load history: %v", jobID, err)
		return nil
	}
	for _, ev := range events {
		if ev.Type != types.EventContext {
			continue
		}
		var turns []types.Turn
		if err := json.Unmarshal([]byte(ev.Data), &turns); err != nil {
			m.debugf("job %s: decode context event: %v", jobID, err)
			return nil
		}
		return turns
	}
	return nil
}

func (m *Manager) handleActivity(jobID string, ev types.ActivityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.jobID != jobID {
		// late output from a cancelled run
		return
	}
	if ev.Kind == types.ActivityText {
		m.active.text.WriteString(ev.Text)
	}
	eventType, data := marshalActivity(ev)
	m.appendAndPublish(jobID, eventType, data)
}

func (m *Manager) handlePlan(jobID string, plan types.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.jobID != jobID {
		return
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return
	}
	m.appendAndPublish(jobID, types.EventPlan, string(data))
}

func (m *Manager) handleError(jobID string, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.jobID != jobID {
		return
	}
	if m.active.firstError == "" {
		m.active.firstError = line
	}
	m.appendAndPublish(jobID, types.EventError, errorData(line))
}

// finalize settles a finished run. A run cancelled concurrently was
// already cleared from the active slot, so its late exit report is ignored
// here; cancellation's terminal state is authoritative.
func (m *Manager) finalize(jobID string, exitCode int) {
	m.mu.Lock()

	if m.active == nil || m.active.jobID != jobID {
		m.mu.Unlock()
		return
	}
	run := m.active
	m.active = nil

	status := types.JobCompleted
	var errMsg *string
	if exitCode != 0 {
		status = types.JobFailed
		msg := fmt.Sprintf("Process exited with code %d", exitCode)
		if run.handle != nil && run.handle.PID() <= 0 && run.firstError != "" {
			// Never spawned; the configuration error is the real story.
			msg = run.firstError
		}
		errMsg = &msg
	}

	now := time.Now().UnixMilli()
	updates := types.JobUpdates{
		Status:      &status,
		Error:       types.OptionalString{Set: true, Value: errMsg},
		PID:         types.OptionalInt{Set: true},
		CompletedAt: types.OptionalInt64{Set: true, Value: &now},
	}
	result := strings.TrimSpace(run.text.String())
	if result != "" {
		updates.Result = types.OptionalString{Set: true, Value: &result}
	}
	if err := m.store.UpdateJob(jobID, updates); err != nil {
		m.debugf("job %s: persist final state: %v", jobID, err)
	}
	m.publishStatus(jobID, status)
	m.publishDone(jobID, status)

	job, err := m.store.GetJob(jobID)
	if err != nil || job == nil {
		m.debugf("job %s: reload for finalization: %v", jobID, err)
	}

	// Response becomes a conversation turn; failure to append never fails
	// the job.
	if job != nil && status == types.JobCompleted && result != "" && m.conv != nil {
		if err := m.conv.AppendAssistantMessage(job.ConversationID, result, job.Source); err != nil {
			m.debugf("job %s: append conversation message: %v", jobID, err)
		}
	}

	m.admitNext()
	m.mu.Unlock()

	go m.dispatchNotification(jobID, status, result, errMsg)
}

func (m *Manager) dispatchNotification(jobID string, status types.JobStatus, result string, errMsg *string) {
	n := types.Notification{JobID: jobID}
	if status == types.JobCompleted {
		n.Type = "job_completed"
		n.Title = "Assistant finished"
		n.Body = result
	} else {
		n.Type = "job_failed"
		n.Title = "Assistant job failed"
		if errMsg != nil {
			n.Body = *errMsg
		}
	}
	if err := m.notif.Dispatch(n); err != nil {
		m.debugf("job %s: dispatch notification: %v", jobID, err)
	}
}

// appendAndPublish persists one event and fans it out. Fan-out is
// decoupled from persistence: a failed append is logged and the event is
// dropped rather than delivered unpersisted. Must be called with m.mu
// held.
func (m *Manager) appendAndPublish(jobID, eventType, data string) {
	ev, err := m.store.AppendEvent(jobID, eventType, data)
	if err != nil {
		m.debugf("job %s: append %s event: %v", jobID, eventType, err)
		return
	}
	m.publish(*ev)
}

// publishStatus persists and fans out a status_change event. Must be
// called with m.mu held.
func (m *Manager) publishStatus(jobID string, status types.JobStatus) {
	m.appendAndPublish(jobID, types.EventStatusChange, statusData(status))
}

// publishDone sends the synthetic stream terminator to live subscribers
// and clears the job's registry entry. Never persisted. Must be called
// with m.mu held.
func (m *Manager) publishDone(jobID string, status types.JobStatus) {
	m.publish(types.JobEvent{
		JobID: jobID,
		Type:  types.EventDone,
		Data:  statusData(status),
		TS:    time.Now().UnixMilli(),
	})
	delete(m.subs, jobID)
}

func (m *Manager) debugf(format string, args ...any) {
	if m.debug {
		log.Printf("queue: "+format, args...)
	}
}
