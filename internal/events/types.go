package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a runtime lifecycle event.
type Event interface {
	EventType() string
	GroupID() uuid.UUID
	Topic() Topic
}

// Topic is a set of event families. Subscriptions match any overlap.
type Topic uint8

const (
	TopicTask   Topic = 1 << iota // Task spawned and finished
	TopicBuffer                   // Buffer submitted and completed
	TopicGroup                    // Group lifecycle, stats and stack pressure

	AllTopics = TopicTask | TopicBuffer | TopicGroup
)

func (t Topic) String() string {
	switch t {
	case TopicTask:
		return "task"
	case TopicBuffer:
		return "buffer"
	case TopicGroup:
		return "group"
	case AllTopics:
		return "all"
	}
	return fmt.Sprintf("topic(%#x)", uint8(t))
}

// Event type constants
const (
	EventTypeTaskSpawned     = "task.spawned"
	EventTypeTaskFinished    = "task.finished"
	EventTypeBufferSubmitted = "buffer.submitted"
	EventTypeBufferCompleted = "buffer.completed"
	EventTypeGroupStarted    = "group.started"
	EventTypeGroupStats      = "group.stats"
	EventTypeStackExhausted  = "group.stack_exhausted"
	EventTypeGroupStopped    = "group.stopped"
)

// TaskSpawnedEvent is published when a buffer registers a task.
type TaskSpawnedEvent struct {
	Group     uuid.UUID
	Buffer    uuid.UUID
	Task      string // Scheduler handle
	Label     string
	Priority  int
	Worker    int // -1 for any worker
	StackSize uint64
	Timestamp time.Time
}

func (e TaskSpawnedEvent) EventType() string  { return EventTypeTaskSpawned }
func (e TaskSpawnedEvent) GroupID() uuid.UUID { return e.Group }
func (e TaskSpawnedEvent) Topic() Topic       { return TopicTask }

// TaskFinishedEvent is published once a task is Finished or Aborted.
type TaskFinishedEvent struct {
	Group     uuid.UUID
	Buffer    uuid.UUID
	Task      string
	Label     string
	Aborted   bool
	Panic     string // Formatted panic payload, empty for a plain abort
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string  { return EventTypeTaskFinished }
func (e TaskFinishedEvent) GroupID() uuid.UUID { return e.Group }
func (e TaskFinishedEvent) Topic() Topic       { return TopicTask }

// BufferSubmittedEvent is published when a buffer enters the event loop.
type BufferSubmittedEvent struct {
	Group     uuid.UUID
	Buffer    uuid.UUID
	Label     string
	Commands  int
	Timestamp time.Time
}

func (e BufferSubmittedEvent) EventType() string  { return EventTypeBufferSubmitted }
func (e BufferSubmittedEvent) GroupID() uuid.UUID { return e.Group }
func (e BufferSubmittedEvent) Topic() Topic       { return TopicBuffer }

// BufferCompletedEvent is published when a buffer and all its tasks are done.
type BufferCompletedEvent struct {
	Group     uuid.UUID
	Buffer    uuid.UUID
	Label     string
	Aborted   bool
	Spawned   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e BufferCompletedEvent) EventType() string  { return EventTypeBufferCompleted }
func (e BufferCompletedEvent) GroupID() uuid.UUID { return e.Group }
func (e BufferCompletedEvent) Topic() Topic       { return TopicBuffer }

// GroupStartedEvent is published once a worker group runs.
type GroupStartedEvent struct {
	Group     uuid.UUID
	Name      string
	Workers   int
	Stacks    []uint64
	Timestamp time.Time
}

func (e GroupStartedEvent) EventType() string  { return EventTypeGroupStarted }
func (e GroupStartedEvent) GroupID() uuid.UUID { return e.Group }
func (e GroupStartedEvent) Topic() Topic       { return TopicGroup }

// StackStats describes one stack size class.
type StackStats struct {
	Size      uint64
	Free      int
	InUse     int
	Max       int
	Exhausted uint64
}

// GroupStatsEvent is a periodic snapshot of a worker group.
type GroupStatsEvent struct {
	Group      uuid.UUID
	Name       string
	Workers    int
	Runnable   int
	Waiting    int
	Blocked    int
	Running    int
	Finished   uint64
	Aborted    uint64
	Buffers    int
	Dropped    uint64 // Bus deliveries lost so far
	Stacks     []StackStats
	Timestamp  time.Time
	BufferRows []BufferProgress
}

// BufferProgress is the progress of one live buffer.
type BufferProgress struct {
	ID       uuid.UUID
	Label    string
	Next     int
	Total    int
	Enqueued int
	Waiting  string
}

func (e GroupStatsEvent) EventType() string  { return EventTypeGroupStats }
func (e GroupStatsEvent) GroupID() uuid.UUID { return e.Group }
func (e GroupStatsEvent) Topic() Topic       { return TopicGroup }

// StackExhaustedEvent is published when a size class ran out of slots
// since the previous stats sample.
type StackExhaustedEvent struct {
	Group     uuid.UUID
	Size      uint64
	Count     uint64
	Timestamp time.Time
}

func (e StackExhaustedEvent) EventType() string  { return EventTypeStackExhausted }
func (e StackExhaustedEvent) GroupID() uuid.UUID { return e.Group }
func (e StackExhaustedEvent) Topic() Topic       { return TopicGroup }

// GroupStoppedEvent is published after a worker group shut down.
type GroupStoppedEvent struct {
	Group     uuid.UUID
	Name      string
	Finished  uint64
	Aborted   uint64
	Timestamp time.Time
}

func (e GroupStoppedEvent) EventType() string  { return EventTypeGroupStopped }
func (e GroupStoppedEvent) GroupID() uuid.UUID { return e.Group }
func (e GroupStoppedEvent) Topic() Topic       { return TopicGroup }
