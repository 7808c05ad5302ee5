// Package queue implements the persistent prioritized task queue. The store
// is the source of truth; the in-memory heap is an index over Pending tasks
// for cheap depth checks and ordered snapshots.
package queue

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// queuedTask is a heap entry for one Pending task.
type queuedTask struct {
	taskID    string
	priority  v1.TaskPriority
	createdAt time.Time
	index     int
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	// Higher priority first, then earlier creation time.
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// EnqueueRequest carries the caller-supplied fields of a new task.
type EnqueueRequest struct {
	Command            string          `json:"command"`
	RepositoryPath     string          `json:"repository_path"`
	Priority           v1.TaskPriority `json:"priority"`
	OriginSubscriberID string          `json:"origin_subscriber_id,omitempty"`
}

// Queue is the persistent prioritized task queue.
type Queue struct {
	mu         sync.Mutex
	heap       taskHeap
	taskMap    map[string]*queuedTask
	maxPending int

	store  store.Store
	bus    *bus.Bus
	logger *logger.Logger

	// wake carries one pending signal for the dispatcher; enqueues coalesce.
	wake chan struct{}
}

// New creates a Queue. Call Hydrate before serving traffic.
func New(st store.Store, eventBus *bus.Bus, maxPending int, log *logger.Logger) *Queue {
	q := &Queue{
		heap:       make(taskHeap, 0),
		taskMap:    make(map[string]*queuedTask),
		maxPending: maxPending,
		store:      st,
		bus:        eventBus,
		logger:     log,
		wake:       make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Wake returns the channel signaled whenever new work may be claimable.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Hydrate resolves tasks the previous process left mid-flight, then rebuilds
// the in-memory index from the Pending set.
func (q *Queue) Hydrate(ctx context.Context) error {
	if err := q.recoverInterrupted(ctx); err != nil {
		return err
	}

	pending, err := q.store.ListPendingTasks(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, task := range pending {
		q.pushLocked(task)
	}
	depth := len(q.heap)
	q.mu.Unlock()

	if depth > 0 {
		q.logger.Info("task queue hydrated", zap.Int("pending", depth))
		q.signal()
	}
	return nil
}

// recoverInterrupted moves tasks stranded Assigned or InProgress by a crash
// to a terminal state and replays each as a fresh Pending task, so no
// accepted command is silently lost across restarts. Assigned tasks never
// ran and are cancelled; InProgress tasks may have partially executed and
// are failed with the interruption recorded.
func (q *Queue) recoverInterrupted(ctx context.Context) error {
	for _, rule := range []struct {
		from    v1.TaskStatus
		to      v1.TaskStatus
		message string
	}{
		{v1.TaskStatusAssigned, v1.TaskStatusCancelled, ""},
		{v1.TaskStatusInProgress, v1.TaskStatusFailed, "interrupted by orchestrator restart"},
	} {
		tasks, err := q.store.ListTasksByStatus(ctx, rule.from)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			now := time.Now().UTC()
			update := store.TaskUpdate{CompletedAt: &now}
			if rule.message != "" {
				message := rule.message
				update.ErrorMessage = &message
			}
			if err := q.store.UpdateTaskStatus(ctx, task.ID, rule.to, update); err != nil {
				return err
			}
			replay := &v1.Task{
				Command:            task.Command,
				RepositoryPath:     task.RepositoryPath,
				Priority:           task.Priority,
				OriginSubscriberID: task.OriginSubscriberID,
				RetryCount:         task.RetryCount,
				RetryOfTaskID:      task.RetryOfTaskID,
			}
			if _, err := q.Requeue(ctx, replay); err != nil {
				return err
			}
			q.logger.Info("recovered interrupted task",
				zap.String("task_id", task.ID),
				zap.String("was", string(rule.from)),
				zap.String("replayed_as", replay.ID))
		}
	}
	return nil
}

// Enqueue validates and persists a new Pending task. Commands above the
// caller-facing length limit are rejected; backpressure kicks in when the
// pending depth reaches the configured maximum.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*v1.Task, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, apperrors.InvalidInput("command must not be empty")
	}
	if len(command) > v1.MaxCommandLength {
		return nil, apperrors.InvalidInput("command exceeds maximum length")
	}

	task := &v1.Task{
		Command:        command,
		RepositoryPath: req.RepositoryPath,
		Priority:       req.Priority,
		Status:         v1.TaskStatusPending,
	}
	if req.OriginSubscriberID != "" {
		origin := req.OriginSubscriberID
		task.OriginSubscriberID = &origin
	}
	if err := q.persist(ctx, task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Requeue persists a dispatcher-built retry task. The command may carry
// appended failure context, so the stored limit applies instead of the
// caller-facing one; anything longer is truncated.
func (q *Queue) Requeue(ctx context.Context, task *v1.Task) (*v1.Task, error) {
	if len(task.Command) > v1.MaxStoredCommandLength {
		task.Command = task.Command[:v1.MaxStoredCommandLength]
	}
	task.Status = v1.TaskStatusPending
	if err := q.persist(ctx, task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// persist writes the task through the store and reconciles the index after,
// the same way Claim does. The store write happens outside the queue lock so
// a slow disk never blocks depth checks or claims; the capacity check is a
// bounded admission gate, not an exact count under concurrent enqueues.
func (q *Queue) persist(ctx context.Context, task *v1.Task) error {
	q.mu.Lock()
	depth := len(q.heap)
	q.mu.Unlock()
	if q.maxPending > 0 && depth >= q.maxPending {
		return apperrors.QueueFull(depth, q.maxPending)
	}

	if err := q.store.EnqueueTask(ctx, task); err != nil {
		return err
	}

	q.mu.Lock()
	q.pushLocked(task)
	q.mu.Unlock()

	q.logger.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("priority", task.Priority.String()),
		zap.String("repository", task.RepositoryPath))
	if q.bus != nil {
		ev := bus.NewEvent(bus.TaskEnqueued, map[string]interface{}{
			"priority":   task.Priority.String(),
			"repository": task.RepositoryPath,
		})
		ev.TaskID = task.ID
		q.bus.Publish(bus.BuildTaskGroup(task.ID), ev)
	}
	q.signal()
	return nil
}

func (q *Queue) pushLocked(task *v1.Task) {
	if _, exists := q.taskMap[task.ID]; exists {
		return
	}
	qt := &queuedTask{taskID: task.ID, priority: task.Priority, createdAt: task.CreatedAt}
	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
}

// Claim atomically assigns the best matching Pending task to an agent.
// Returns nil, nil when nothing matches the agent's repository.
func (q *Queue) Claim(ctx context.Context, agentID, agentRepoPath string) (*v1.Task, error) {
	task, err := q.store.ClaimNextTask(ctx, agentID, agentRepoPath)
	if err != nil || task == nil {
		return task, err
	}

	q.mu.Lock()
	if qt, ok := q.taskMap[task.ID]; ok {
		heap.Remove(&q.heap, qt.index)
		delete(q.taskMap, task.ID)
	}
	q.mu.Unlock()
	return task, nil
}

// Cancel moves a Pending task to Cancelled. Tasks already claimed cannot be
// cancelled through the queue.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	err := q.store.UpdateTaskStatus(ctx, taskID, v1.TaskStatusCancelled, store.TaskUpdate{CompletedAt: &now})
	if err != nil {
		return err
	}

	q.mu.Lock()
	if qt, ok := q.taskMap[taskID]; ok {
		heap.Remove(&q.heap, qt.index)
		delete(q.taskMap, taskID)
	}
	q.mu.Unlock()

	q.logger.Info("task cancelled", zap.String("task_id", taskID))
	return nil
}

// Get returns one task by ID.
func (q *Queue) Get(ctx context.Context, taskID string) (*v1.Task, error) {
	return q.store.GetTask(ctx, taskID)
}

// Depth reports the number of Pending tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Snapshot returns Pending task IDs in claim order.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	tmp := make(taskHeap, len(q.heap))
	copy(tmp, q.heap)

	ids := make([]string, 0, len(tmp))
	for tmp.Len() > 0 {
		ids = append(ids, heap.Pop(&tmp).(*queuedTask).taskID)
	}
	// Restore heap indexes clobbered by the scratch pops.
	for i, qt := range q.heap {
		qt.index = i
	}
	return ids
}
