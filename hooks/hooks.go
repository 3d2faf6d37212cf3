package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexusraft/waldb/raftlog"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// EventPreWALAppend fires before a batch of entries is appended to the
	// log, with the batch mutable so a listener can reject or reshape it.
	EventPreWALAppend EventType = "PreWALAppend"
	// EventPostWALAppend fires after an append attempt, success or failure.
	EventPostWALAppend EventType = "PostWALAppend"
	// EventPostWALRotate fires after the current segment is sealed, whether
	// by rollover or an explicit Rotate call.
	EventPostWALRotate EventType = "PostWALRotate"
	// EventPostWALRecovery fires once after Recover finishes replaying every
	// segment found on disk.
	EventPostWALRecovery EventType = "PostWALRecovery"
	// EventPostWALGC fires after a GC pass that removes at least one
	// segment; a pass that removes nothing fires no event.
	EventPostWALGC EventType = "PostWALGC"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// WALAppendPayload contains the data for a PreWALAppend event. Entries and
// Hard are pointers so a listener can modify or veto the batch before it
// reaches disk; returning an error from a Pre-hook cancels the append.
type WALAppendPayload struct {
	Entries *[]raftlog.Entry
	Hard    *raftlog.HardState // nil if the batch carries no hard state
}

// NewPreWALAppendEvent creates an event for before a batch of entries is appended to the WAL.
func NewPreWALAppendEvent(payload WALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreWALAppend, payload: payload}
}

// PostWALAppendPayload contains data after a WAL append operation.
type PostWALAppendPayload struct {
	Entries []raftlog.Entry
	Hard    *raftlog.HardState
	Error   error
}

// NewPostWALAppendEvent creates an event for after a batch of entries is appended to the WAL.
func NewPostWALAppendEvent(payload PostWALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALAppend, payload: payload}
}

// PostWALRotatePayload contains information about a WAL rotation.
type PostWALRotatePayload struct {
	SealedSegment raftlog.SegmentMetaData
	NextSegStart  uint64
}

// NewPostWALRotateEvent creates an event for after the WAL has been rotated to a new segment.
func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostWALRecoveryPayload contains information about a completed WAL recovery.
type PostWALRecoveryPayload struct {
	SegmentsReplayed int
	EntriesReplayed  int
	LastIndex        uint64
	Duration         time.Duration
}

// NewPostWALRecoveryEvent creates an event for after WAL recovery is complete.
func NewPostWALRecoveryEvent(payload PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: payload}
}

// PostWALGCPayload contains information about a completed GC pass.
type PostWALGCPayload struct {
	Removed []raftlog.SegmentMetaData
	Hint    uint64
}

// NewPostWALGCEvent creates an event for after a GC pass completes.
func NewPostWALGCEvent(payload PostWALGCPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALGC, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreWALAppend) can cancel the operation.
	// Errors from "Post" hooks are typically logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority for the sorted
// per-event slice.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	// Get the existing slice of listeners for this event type.
	l := m.listeners[eventType]

	// Find the correct insertion index to maintain sorted order.
	// sort.Search finds the first index i where l[i].priority >= item.priority.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})

	// Optimized insertion to reduce re-allocations.
	// Append a zero value to the slice, which might grow the slice once.
	l = append(l, nil)
	// Shift elements to make space for the new item.
	copy(l[idx+1:], l[idx:])
	// Insert the new item at the correct position.
	l[idx] = item // Insert the new item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		// Post-hooks can be sync or async based on the listener's preference.
		if isPreHook || !isListenerAsync {
			// --- Synchronous Execution ---
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					// For Pre-hooks, the error is critical and cancels the operation.
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				// For synchronous Post-hooks, we just log the error and continue.
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			// --- Asynchronous Execution --- (Only for Post-hooks that return IsAsync() == true)
			m.wg.Add(1)
			// Pass item as an argument to the closure to capture its current value.
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
