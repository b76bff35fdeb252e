package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrInterrupt signals that a Hook handler wants to stop further processing.
var ErrInterrupt = errors.New("hook interrupted")

// HookFn is a hook handler function.
// Returns (modified data, nil) to continue, or (data, ErrInterrupt) to stop.
type HookFn func(ctx context.Context, event string, data interface{}) (interface{}, error)

type hookEntry struct {
	priority int
	fn       HookFn
	name     string
}

// HookCenter manages event hook registrations.
type HookCenter struct {
	mu     sync.RWMutex
	hooks  map[string][]*hookEntry
	logger *zap.Logger
}

// NewHookCenter creates a new HookCenter. Handler errors and panics are
// reported to logger; a nil logger discards them.
func NewHookCenter(logger *zap.Logger) *HookCenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookCenter{hooks: make(map[string][]*hookEntry), logger: logger}
}

// Register adds a HookFn for the given event with the given priority (lower runs first).
// name is used for Unregister.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	entries := hc.hooks[event]
	entries = append(entries, &hookEntry{priority: priority, fn: fn, name: name})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	hc.hooks[event] = entries
}

// Unregister removes all hooks with the given name for the given event.
func (hc *HookCenter) Unregister(event, name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.hooks[event] = without(hc.hooks[event], name)
}

// UnregisterAll removes all hooks registered with the given name across all events.
func (hc *HookCenter) UnregisterAll(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for event, entries := range hc.hooks {
		hc.hooks[event] = without(entries, name)
	}
}

func without(entries []*hookEntry, name string) []*hookEntry {
	n := 0
	for _, e := range entries {
		if e.name != name {
			entries[n] = e
			n++
		}
	}
	return entries[:n]
}

// Count returns the number of handlers registered for event.
func (hc *HookCenter) Count(event string) int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.hooks[event])
}

// Trigger executes all registered hooks for event in priority order.
// Data flows through each handler, allowing modification.
// If any handler returns ErrInterrupt, execution stops. Other errors are
// logged and the chain continues. A panicking handler is treated like an
// error so a faulty listener cannot take down the caller.
func (hc *HookCenter) Trigger(ctx context.Context, event string, data interface{}) (interface{}, error) {
	hc.mu.RLock()
	entries := make([]*hookEntry, len(hc.hooks[event]))
	copy(entries, hc.hooks[event])
	hc.mu.RUnlock()

	for _, e := range entries {
		out, err := hc.call(ctx, e, event, data)
		if errors.Is(err, ErrInterrupt) {
			return out, err
		}
		if err != nil {
			hc.logger.Warn("hook handler failed",
				zap.String("event", event), zap.String("handler", e.name), zap.Error(err))
			continue
		}
		data = out
	}
	return data, nil
}

// Emit triggers event for notification purposes, discarding the result.
func (hc *HookCenter) Emit(ctx context.Context, event string, data interface{}) {
	_, _ = hc.Trigger(ctx, event, data)
}

func (hc *HookCenter) call(ctx context.Context, e *hookEntry, event string, data interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = data, fmt.Errorf("hook %s panicked: %v", e.name, r)
		}
	}()
	return e.fn(ctx, event, data)
}

// ---- Hook event name constants ----

const (
	OnQuestProgress         = "on_quest_progress"
	OnQuestComplete         = "on_quest_complete"
	OnQuestClaimed          = "on_quest_claimed"
	OnQuestsReset           = "on_quests_reset"
	OnSharedMilestone       = "on_shared_milestone"
	OnSharedComplete        = "on_shared_complete"
	OnSharedRefillScheduled = "on_shared_refill_scheduled"
	OnSharedRefill          = "on_shared_refill"
	OnSharedStatus          = "on_shared_status"
	OnPlayerJoin            = "on_player_join"
	OnPlayerQuit            = "on_player_quit"
)

// NotificationEvents lists the events forwarded to notification subscribers.
var NotificationEvents = []string{
	OnQuestProgress,
	OnQuestComplete,
	OnQuestClaimed,
	OnQuestsReset,
	OnSharedMilestone,
	OnSharedComplete,
	OnSharedRefillScheduled,
	OnSharedRefill,
	OnSharedStatus,
}
