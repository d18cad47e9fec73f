package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/metrics"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/protocol"
)

// managerSender names the orchestrator side of the task protocol.
const managerSender = "manager"

// TaskResult is the terminal outcome of a task, delivered to watchers.
type TaskResult struct {
	Task    models.Task
	Output  string
	Sources []models.Source
	Tokens  models.TokenUsage
	Err     error
}

// queueItem is a heap entry. seq breaks priority ties so equal-priority
// tasks dispatch in submission order.
type queueItem struct {
	task *models.Task
	seq  uint64
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*queueItem)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Health is a point-in-time snapshot of scheduler state.
type Health struct {
	QueueDepth    int                  `json:"queue_depth"`
	Running       int                  `json:"running"`
	MaxConcurrent int                  `json:"max_concurrent"`
	OldestQueued  *time.Time           `json:"oldest_queued,omitempty"`
	Agents        []models.AgentRecord `json:"agents"`
}

// Scheduler dispatches queued tasks to idle agents, holding the number of
// concurrently running tasks under the configured limit. Higher priority
// wins; a task whose agent is busy is skipped without blocking lower
// priority tasks for other agents.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry *Registry
	bus      *events.Bus

	mu       sync.Mutex
	queue    taskHeap
	seq      uint64
	tasks    map[string]*models.Task
	cancels  map[string]context.CancelFunc
	results  map[string]TaskResult
	watchers map[string][]chan TaskResult
	traces   map[string][]protocol.Envelope
	running  int
	stopped  bool

	wake   chan struct{}
	stopCh chan struct{}
	loopWG sync.WaitGroup
	taskWG sync.WaitGroup
}

// New creates a scheduler. Call Start before submitting.
func New(cfg config.SchedulerConfig, registry *Registry, bus *events.Bus) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		tasks:    make(map[string]*models.Task),
		cancels:  make(map[string]context.CancelFunc),
		results:  make(map[string]TaskResult),
		watchers: make(map[string][]chan TaskResult),
		traces:   make(map[string][]protocol.Envelope),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		for {
			select {
			case <-s.wake:
				s.dispatch()
			case <-s.stopCh:
				return
			}
		}
	}()
	slog.Info("Scheduler started",
		"max_concurrent_tasks", s.cfg.MaxConcurrentTasks,
		"task_timeout", s.cfg.TaskTimeout,
		"retry_ceiling", s.cfg.RetryCeiling)
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return "task_" + ulid.Make().String()
}

// Submit validates and enqueues a task. The task is dispatched as soon as a
// concurrency slot and its agent are both free.
func (s *Scheduler) Submit(task *models.Task) error {
	if _, err := s.registry.Get(task.Agent); err != nil {
		return err
	}
	if task.Priority == 0 {
		task.Priority = 5
	}
	if task.Priority < models.MinPriority || task.Priority > models.MaxPriority {
		return errkind.Newf(errkind.KindBadInput,
			"priority %d out of range [%d,%d]", task.Priority, models.MinPriority, models.MaxPriority)
	}
	if task.ID == "" {
		task.ID = NewTaskID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.State = models.TaskQueued

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errkind.New(errkind.KindInterrupted, "scheduler is shutting down")
	}
	if s.cfg.QueueCapacity > 0 && len(s.queue) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return errkind.Newf(errkind.KindCapacityExhausted,
			"task queue full (%d tasks)", s.cfg.QueueCapacity)
	}
	s.seq++
	s.tasks[task.ID] = task
	heap.Push(&s.queue, &queueItem{task: task, seq: s.seq})
	s.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(task.Agent).Inc()
	s.kick()
	return nil
}

// Watch returns a channel that receives the task's terminal result exactly
// once. Watching an already finished task delivers immediately.
func (s *Scheduler) Watch(taskID string) <-chan TaskResult {
	ch := make(chan TaskResult, 1)
	s.mu.Lock()
	if res, done := s.results[taskID]; done {
		ch <- res
	} else {
		s.watchers[taskID] = append(s.watchers[taskID], ch)
	}
	s.mu.Unlock()
	return ch
}

// record appends a protocol message to the task's trace.
func (s *Scheduler) record(sender, recipient string, task *models.Task, body any) {
	env, err := protocol.NewEnvelope(sender, recipient, task.SessionID, task.ID, task.Priority, body)
	if err != nil {
		slog.Warn("Failed to build protocol message", "task_id", task.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.traces[task.ID] = append(s.traces[task.ID], env)
	s.mu.Unlock()
}

// Trace returns the protocol messages exchanged for a task, in order.
func (s *Scheduler) Trace(taskID string) ([]protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, errkind.Newf(errkind.KindNotFound, "task %s not found", taskID)
	}
	trace := make([]protocol.Envelope, len(s.traces[taskID]))
	copy(trace, s.traces[taskID])
	return trace, nil
}

// Status returns a copy of a known task.
func (s *Scheduler) Status(taskID string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return models.Task{}, errkind.Newf(errkind.KindNotFound, "task %s not found", taskID)
	}
	return *task, nil
}

// Interrupt cancels a task. Running tasks get their context cancelled;
// queued tasks are removed and finalized without ever starting.
func (s *Scheduler) Interrupt(taskID string) error {
	s.mu.Lock()
	if cancel, ok := s.cancels[taskID]; ok {
		task := s.tasks[taskID]
		s.mu.Unlock()
		s.record(managerSender, task.Agent, task, protocol.Interrupt{TaskID: taskID})
		cancel()
		return nil
	}

	for i, item := range s.queue {
		if item.task.ID == taskID {
			heap.Remove(&s.queue, i)
			task := item.task
			s.mu.Unlock()
			s.finalizeInterrupted(task)
			return nil
		}
	}
	_, known := s.tasks[taskID]
	s.mu.Unlock()
	if known {
		return nil // already terminal
	}
	return errkind.Newf(errkind.KindNotFound, "task %s not found", taskID)
}

// InterruptSession cancels every queued and running task of a session.
// Returns the number of tasks affected.
func (s *Scheduler) InterruptSession(sessionID string) int {
	s.mu.Lock()
	var cancels []context.CancelFunc
	for taskID, cancel := range s.cancels {
		if task, ok := s.tasks[taskID]; ok && task.SessionID == sessionID {
			cancels = append(cancels, cancel)
		}
	}
	var dequeued []*models.Task
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].task.SessionID == sessionID {
			item := heap.Remove(&s.queue, i).(*queueItem)
			dequeued = append(dequeued, item.task)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, task := range dequeued {
		s.finalizeInterrupted(task)
	}
	return len(cancels) + len(dequeued)
}

// Health reports queue depth, running count, and agent states.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	h := Health{
		QueueDepth:    len(s.queue),
		Running:       s.running,
		MaxConcurrent: s.cfg.MaxConcurrentTasks,
	}
	for _, item := range s.queue {
		if h.OldestQueued == nil || item.task.CreatedAt.Before(*h.OldestQueued) {
			created := item.task.CreatedAt
			h.OldestQueued = &created
		}
	}
	s.mu.Unlock()
	h.Agents = s.registry.List()
	return h
}

// Stop rejects new submissions, interrupts queued tasks, and waits for
// running tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	var queued []*models.Task
	for len(s.queue) > 0 {
		item := heap.Pop(&s.queue).(*queueItem)
		queued = append(queued, item.task)
	}
	s.mu.Unlock()

	for _, task := range queued {
		s.finalizeInterrupted(task)
	}

	close(s.stopCh)
	s.loopWG.Wait()
	s.taskWG.Wait()
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch starts as many queued tasks as slots and idle agents allow.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if s.stopped || s.running >= s.cfg.MaxConcurrentTasks || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}

		// Pop the best dispatchable task, skipping tasks whose agent is
		// busy. Skipped items go back untouched.
		var skipped []*queueItem
		var picked *queueItem
		for len(s.queue) > 0 {
			item := heap.Pop(&s.queue).(*queueItem)
			if s.registry.tryAcquire(item.task.Agent, item.task.ID) {
				picked = item
				break
			}
			skipped = append(skipped, item)
		}
		for _, item := range skipped {
			heap.Push(&s.queue, item)
		}
		if picked == nil {
			s.mu.Unlock()
			return
		}

		task := picked.task
		task.State = models.TaskRunning
		now := time.Now().UTC()
		task.StartedAt = now

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
		s.cancels[task.ID] = cancel
		s.running++
		s.taskWG.Add(1)
		s.mu.Unlock()

		metrics.TasksRunning.Inc()
		s.record(managerSender, task.Agent, task, protocol.TaskAssignment{
			Agent:    task.Agent,
			Input:    task.Input,
			Deadline: now.Add(s.cfg.TaskTimeout),
		})
		go s.run(ctx, cancel, task)
	}
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, task *models.Task) {
	defer s.taskWG.Done()
	defer cancel()

	agent, err := s.registry.Get(task.Agent)
	if err != nil {
		s.finish(task, nil, err)
		return
	}

	em := events.NewEmitter(s.bus, task.SessionID, task.ID, events.AgentRef{
		Name: agent.Name(),
		Role: agent.Role(),
	})
	em.Observe(func(ev events.Event) { s.mirror(task, ev) })

	log := slog.With("task_id", task.ID, "session_id", task.SessionID, "agent", task.Agent)
	log.Info("Task started", "priority", task.Priority, "retry", task.RetryCount)
	s.record(task.Agent, managerSender, task, protocol.AgentStarted{Agent: task.Agent})

	result, execErr := agent.Execute(ctx, task, em)

	if execErr != nil {
		kind := errkind.KindOf(execErr)

		// Transient store failures are retried by re-enqueueing, up to the
		// retry ceiling.
		if errkind.Retryable(kind) && task.RetryCount < s.cfg.RetryCeiling && ctx.Err() == nil {
			log.Warn("Task failed with retryable error, re-enqueueing",
				"kind", kind, "retry", task.RetryCount+1, "error", execErr)
			s.requeue(task)
			return
		}

		log.Warn("Task failed", "kind", kind, "error", execErr)
		if kind == errkind.KindInterrupted {
			em.Interrupted()
		} else {
			em.Error(execErr)
		}
		s.record(task.Agent, managerSender, task, protocol.AgentFailed{
			Agent:   task.Agent,
			Kind:    string(kind),
			Message: errkind.MessageOf(execErr),
			Detail:  errkind.DetailOf(execErr),
		})
		s.finish(task, nil, execErr)
		return
	}

	log.Info("Task completed", "tokens", result.Tokens.Total)
	s.record(task.Agent, managerSender, task, protocol.AgentCompleted{
		Agent:   task.Agent,
		Output:  result.Output,
		Sources: result.Sources,
		Tokens:  result.Tokens,
	})
	s.finish(task, result, nil)
}

// mirror translates an agent's progress events into protocol messages on the
// task trace. Retrieval completions become rag_result; other non-terminal
// status and progress events become status_update. Terminal outcomes are
// recorded by run directly.
func (s *Scheduler) mirror(task *models.Task, ev events.Event) {
	switch {
	case ev.Type == events.TypeStatus && ev.Stage == events.StageRetrieval && ev.Content.Data["from_cache"] != nil:
		query, _ := ev.Content.Data["query"].(string)
		fromCache, _ := ev.Content.Data["from_cache"].(bool)
		s.record(task.Agent, managerSender, task, protocol.RagResult{
			Query:     query,
			Sources:   ev.Content.Sources,
			FromCache: fromCache,
		})
	case (ev.Type == events.TypeStatus || ev.Type == events.TypeProgress) && !ev.Terminal():
		upd := protocol.StatusUpdate{
			Agent:   task.Agent,
			Message: ev.Content.Message,
			Stage:   string(ev.Stage),
		}
		if ev.Metadata.StepIndex != nil {
			upd.Step = *ev.Metadata.StepIndex
		}
		if ev.Metadata.TotalSteps != nil {
			upd.Total = *ev.Metadata.TotalSteps
		}
		s.record(task.Agent, managerSender, task, upd)
	}
}

// requeue returns a retried task to the queue and frees its slot and agent.
func (s *Scheduler) requeue(task *models.Task) {
	s.mu.Lock()
	delete(s.cancels, task.ID)
	s.running--
	task.RetryCount++
	task.State = models.TaskQueued
	stopped := s.stopped
	if !stopped {
		s.seq++
		heap.Push(&s.queue, &queueItem{task: task, seq: s.seq})
	}
	s.mu.Unlock()
	metrics.TasksRunning.Dec()
	s.registry.release(task.Agent, 0, true)

	if stopped {
		s.finalizeInterrupted(task)
		return
	}
	s.kick()
}

// finish records a terminal outcome, releases resources, and notifies
// watchers.
func (s *Scheduler) finish(task *models.Task, result *Result, err error) {
	now := time.Now().UTC()

	s.mu.Lock()
	delete(s.cancels, task.ID)
	s.running--
	task.EndedAt = now
	switch {
	case err == nil:
		task.State = models.TaskSucceeded
	case errkind.KindOf(err) == errkind.KindInterrupted:
		task.State = models.TaskInterrupted
	default:
		task.State = models.TaskFailed
	}
	res := TaskResult{Task: *task, Err: err}
	if result != nil {
		res.Output = result.Output
		res.Sources = result.Sources
		res.Tokens = result.Tokens
	}
	s.results[task.ID] = res
	watchers := s.watchers[task.ID]
	delete(s.watchers, task.ID)
	s.mu.Unlock()

	metrics.TasksRunning.Dec()
	metrics.TasksFinished.WithLabelValues(task.Agent, string(task.State)).Inc()
	s.registry.release(task.Agent, res.Tokens.Total, err != nil)

	for _, ch := range watchers {
		ch <- res
	}
	s.kick()
}

// finalizeInterrupted terminates a task that never ran (dequeued by an
// interrupt or shutdown).
func (s *Scheduler) finalizeInterrupted(task *models.Task) {
	err := errkind.New(errkind.KindInterrupted, "task interrupted before execution")
	s.record(managerSender, task.Agent, task, protocol.Interrupt{
		TaskID: task.ID,
		Reason: "interrupted before execution",
	})

	s.mu.Lock()
	task.State = models.TaskInterrupted
	task.EndedAt = time.Now().UTC()
	res := TaskResult{Task: *task, Err: err}
	s.results[task.ID] = res
	watchers := s.watchers[task.ID]
	delete(s.watchers, task.ID)
	s.mu.Unlock()

	metrics.TasksFinished.WithLabelValues(task.Agent, string(task.State)).Inc()
	em := events.NewEmitter(s.bus, task.SessionID, task.ID, events.AgentRef{Name: task.Agent, Role: "agent"})
	em.Interrupted()

	for _, ch := range watchers {
		ch <- res
	}
}
