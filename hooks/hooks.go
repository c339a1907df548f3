// Package hooks provides a priority-ordered event bus the engine and
// sync manager fire lifecycle events through, so other components (an
// admin listener, an alerting sink, a test harness) can observe engine
// activity without the engine importing them.
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

	"github.com/l3kv/l3kv/core"
)

// EventType identifies a kind of hook event.
type EventType string

const (
	// Mutation lifecycle events, one pre/post pair per Engine write op.
	EventPrePut    EventType = "PrePut"
	EventPostPut   EventType = "PostPut"
	EventPrePatch  EventType = "PrePatch"
	EventPostPatch EventType = "PostPatch"
	EventPreDelete EventType = "PreDelete"
	EventPostDelete EventType = "PostDelete"

	// EventPostApplyMutation fires after apply_mutation resolves, whether
	// or not the mutation was accepted (see ApplyMutationPayload.Applied).
	EventPostApplyMutation EventType = "PostApplyMutation"

	// Engine lifecycle events.
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
	EventPostWALRecovery EventType = "PostWALRecovery"
	EventPostWALRotate   EventType = "PostWALRotate"

	// EventPostSyncRound fires after each SyncManager gossip round with
	// the peer it talked to and how many keys it found and repaired.
	EventPostSyncRound EventType = "PostSyncRound"
)

// HookManager manages listener registration and event dispatch.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	Trigger(ctx context.Context, event HookEvent) error
	Stop()
}

// HookEvent is implemented by every event payload wrapper.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent is the common HookEvent implementation.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// MutationPayload describes a completed (or about-to-run, for Pre events)
// put/patch/delete on a single key.
type MutationPayload struct {
	Key       string
	Field     string // set for patch events, empty otherwise
	Timestamp core.Timestamp
	Error     error
}

func NewPrePutEvent(p MutationPayload) HookEvent    { return &BaseEvent{EventPrePut, p} }
func NewPostPutEvent(p MutationPayload) HookEvent   { return &BaseEvent{EventPostPut, p} }
func NewPrePatchEvent(p MutationPayload) HookEvent  { return &BaseEvent{EventPrePatch, p} }
func NewPostPatchEvent(p MutationPayload) HookEvent { return &BaseEvent{EventPostPatch, p} }
func NewPreDeleteEvent(p MutationPayload) HookEvent { return &BaseEvent{EventPreDelete, p} }
func NewPostDeleteEvent(p MutationPayload) HookEvent {
	return &BaseEvent{EventPostDelete, p}
}

// ApplyMutationPayload describes the outcome of apply_mutation.
type ApplyMutationPayload struct {
	Key       string
	Timestamp core.Timestamp
	Applied   bool
	Error     error
}

func NewPostApplyMutationEvent(p ApplyMutationPayload) HookEvent {
	return &BaseEvent{EventPostApplyMutation, p}
}

// EngineLifecyclePayload carries no data; the event type alone is the
// signal.
type EngineLifecyclePayload struct{}

func NewPreStartEngineEvent() HookEvent  { return &BaseEvent{EventPreStartEngine, EngineLifecyclePayload{}} }
func NewPostStartEngineEvent() HookEvent { return &BaseEvent{EventPostStartEngine, EngineLifecyclePayload{}} }
func NewPreCloseEngineEvent() HookEvent  { return &BaseEvent{EventPreCloseEngine, EngineLifecyclePayload{}} }
func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{EventPostCloseEngine, EngineLifecyclePayload{}}
}

// WALRecoveryPayload reports how much a recovery pass replayed.
type WALRecoveryPayload struct {
	RecoveredRecords int
	Duration         time.Duration
}

func NewPostWALRecoveryEvent(p WALRecoveryPayload) HookEvent {
	return &BaseEvent{EventPostWALRecovery, p}
}

// WALRotatePayload reports a segment rotation.
type WALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
}

func NewPostWALRotateEvent(p WALRotatePayload) HookEvent {
	return &BaseEvent{EventPostWALRotate, p}
}

// SyncRoundPayload reports the outcome of one gossip round.
type SyncRoundPayload struct {
	Peer            uint32
	DivergentKeys   int
	RepairedKeys    int
	LocalRootHash   uint64
	RemoteRootHash  uint64
	Error           error
}

func NewPostSyncRoundEvent(p SyncRoundPayload) HookEvent {
	return &BaseEvent{EventPostSyncRound, p}
}

// HookListener is implemented by anything that wants to observe events.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	Priority() int
	IsAsync() bool
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is the concrete, priority-ordered HookManager.
type DefaultHookManager struct {
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a HookManager. A nil logger discards log output.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority
// order (lower priority values run first).
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool { return l[i].priority >= item.priority })
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for event in priority order. Pre-
// events run synchronously and a listener error cancels the operation;
// Post-events run synchronously or asynchronously per listener preference
// and only ever log errors.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()
	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if isPreHook && item.listener.IsAsync() {
				m.logger.Warn("listener requested async execution for a Pre-hook; running synchronously", "event", event.Type())
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("post-hook listener failed", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("async post-hook listener failed", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to finish.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
