package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

var (
	ErrNotFound = errors.New("call not found")
	ErrEnded    = errors.New("call already ended")
	ErrAttached = errors.New("call already has a live connection")
)

// Call is the registry view of one phone call to a business.
type Call struct {
	ID                string    `json:"call_id"`
	BusinessID        string    `json:"business_id"`
	Status            Status    `json:"status"`
	Transferred       bool      `json:"transferred"`
	TransferReason    string    `json:"transfer_reason,omitempty"`
	InterruptionCount int       `json:"interruption_count"`
	BookingCount      int       `json:"booking_count"`
	EndReason         string    `json:"end_reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

type entry struct {
	call   Call
	cancel context.CancelFunc
}

type Manager struct {
	mu                sync.RWMutex
	calls             map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Call)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		calls:             make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(businessID string) *Call {
	now := time.Now().UTC()
	e := &entry{call: Call{
		ID:             uuid.NewString(),
		BusinessID:     businessID,
		Status:         StatusPending,
		StartedAt:      now,
		LastActivityAt: now,
	}}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[e.call.ID] = e
	return clone(&e.call)
}

func (m *Manager) Get(callID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&e.call), nil
}

// Attach marks the call active and registers cancel, which End and the
// janitor use to hang up the live connection.
func (m *Manager) Attach(callID string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	switch {
	case e.call.Status == StatusEnded:
		return ErrEnded
	case e.cancel != nil:
		return ErrAttached
	}
	e.cancel = cancel
	e.call.Status = StatusActive
	e.call.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) update(callID string, fn func(*Call)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	fn(&e.call)
	e.call.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(callID string) error {
	return m.update(callID, func(*Call) {})
}

func (m *Manager) Interrupt(callID string) error {
	return m.update(callID, func(c *Call) { c.InterruptionCount++ })
}

func (m *Manager) RecordBooking(callID string) error {
	return m.update(callID, func(c *Call) { c.BookingCount++ })
}

func (m *Manager) Transfer(callID, reason string) error {
	return m.update(callID, func(c *Call) {
		c.Transferred = true
		c.TransferReason = reason
	})
}

// End marks the call ended and hangs up its live connection. Ending an
// ended call returns it unchanged.
func (m *Manager) End(callID, reason string) (*Call, error) {
	m.mu.Lock()
	e, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	cancel := m.endLocked(e, reason, time.Now().UTC())
	out := clone(&e.call)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return out, nil
}

func (m *Manager) endLocked(e *entry, reason string, now time.Time) context.CancelFunc {
	if e.call.Status == StatusEnded {
		return nil
	}
	e.call.Status = StatusEnded
	e.call.EndReason = reason
	e.call.LastActivityAt = now
	cancel := e.cancel
	e.cancel = nil
	return cancel
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.calls {
		if e.call.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Call
	var cancels []context.CancelFunc

	m.mu.Lock()
	for _, e := range m.calls {
		if e.call.Status == StatusEnded {
			continue
		}
		if now.Sub(e.call.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if cancel := m.endLocked(e, "inactive", now); cancel != nil {
			cancels = append(cancels, cancel)
		}
		expired = append(expired, clone(&e.call))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Call) *Call {
	out := *c
	return &out
}
