// Package status implements StatusMachine (spec.md §4.4): two independent
// load/live state machines per document (metadata, data) plus the
// subscription-count hooks that drive remote I/O.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rpggio/collabdoc/internal/apperrors"
)

// LoadState is the load dimension of a SyncStatus.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
	LoadErrored
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "LOADING"
	case Loaded:
		return "LOADED"
	case LoadErrored:
		return "ERROR"
	default:
		return "UNLOADED"
	}
}

// LiveState is the connectivity dimension of a SyncStatus.
type LiveState int

const (
	Disconnected LiveState = iota
	Connecting
	Connected
)

func (s LiveState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// SyncStatus is one machine's current state, per spec.md §3's InternalDoc.
type SyncStatus struct {
	Load  LoadState
	Live  LiveState
	Error error
}

// Kind distinguishes the metadata machine from the data machine — both are
// shaped identically but drive different transport hooks.
type Kind int

const (
	Metadata Kind = iota
	Data
)

// Hooks are the transport-facing callbacks StatusMachine fires on
// subscriber-count transitions and status transitions (spec.md §4.4).
type Hooks struct {
	OnMetadataSubscriptionOpened func()
	OnMetadataSubscriptionClosed func()
	OnDataSubscriptionOpened     func()
	OnDataSubscriptionClosed     func()
	// OnStatusChange fires on every updateMetadataStatus/updateDataStatus
	// call, for onStatusChange subscribers and waitFor*Load.
	OnStatusChange func(kind Kind, status SyncStatus)
}

// StatusCallback receives every transition of either machine.
type StatusCallback func(kind Kind, status SyncStatus)

// Machine owns one document's two independent status machines.
type Machine struct {
	mu          sync.Mutex
	hooks       Hooks
	metadata    SyncStatus
	data        SyncStatus
	subscribers map[int]StatusCallback
	nextSubID   int

	metadataOpened bool // open hook fired and no last-subscriber close since
}

func NewMachine(hooks Hooks) *Machine {
	return &Machine{hooks: hooks, subscribers: make(map[int]StatusCallback)}
}

func (m *Machine) Metadata() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata
}

func (m *Machine) Data() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// OnStatusChange registers a durable subscriber (spec.md §4.5's onStatus).
// Returns an idempotent unsubscribe.
func (m *Machine) OnStatusChange(cb StatusCallback) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = cb
	m.mu.Unlock()

	done := false
	var once sync.Mutex
	return func() {
		once.Lock()
		defer once.Unlock()
		if done {
			return
		}
		done = true
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Machine) notify(kind Kind, status SyncStatus) {
	m.mu.Lock()
	subs := make([]StatusCallback, 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		subs = append(subs, cb)
	}
	extHook := m.hooks.OnStatusChange
	m.mu.Unlock()

	if extHook != nil {
		extHook(kind, status)
	}
	for _, cb := range subs {
		cb(kind, status)
	}
}

// UpdateMetadataStatus applies a transition and always notifies status
// subscribers, per spec.md §4.4.
func (m *Machine) UpdateMetadataStatus(mutate func(*SyncStatus)) {
	m.mu.Lock()
	mutate(&m.metadata)
	snapshot := m.metadata
	m.mu.Unlock()
	m.notify(Metadata, snapshot)
}

// UpdateDataStatus applies a transition and always notifies status
// subscribers, per spec.md §4.4.
func (m *Machine) UpdateDataStatus(mutate func(*SyncStatus)) {
	m.mu.Lock()
	mutate(&m.data)
	snapshot := m.data
	m.mu.Unlock()
	m.notify(Data, snapshot)
}

// WaitForLoad implements waitForMetadataLoad / waitForDataLoad (spec.md
// §4.4): resolves immediately if already LOADED, rejects immediately if
// ERROR, otherwise installs a transient subscriber and resolves on the
// first terminal transition for kind. Cancelling ctx removes the
// transient subscriber (spec.md's cancellation requirement); a ctx
// deadline surfaces as apperrors.ErrLoadTimeout wrapping ctx.Err().
func (m *Machine) WaitForLoad(ctx context.Context, kind Kind) error {
	current := m.Metadata
	if kind == Data {
		current = m.Data
	}

	initial := current()
	switch initial.Load {
	case Loaded:
		return nil
	case LoadErrored:
		if initial.Error != nil {
			return initial.Error
		}
		return apperrors.ErrLoadError
	}

	resultCh := make(chan error, 1)
	unsub := m.OnStatusChange(func(k Kind, s SyncStatus) {
		if k != kind {
			return
		}
		switch s.Load {
		case Loaded:
			select {
			case resultCh <- nil:
			default:
			}
		case LoadErrored:
			err := s.Error
			if err == nil {
				err = apperrors.ErrLoadError
			}
			select {
			case resultCh <- err:
			default:
			}
		}
	})
	defer unsub()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", apperrors.ErrLoadTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// OnFirstMetadataSubscriber is wired to subscriptions.Hooks. It only fires
// the transport-facing open hook if metadata is still UNLOADED — a second
// subscriber arriving after the first already triggered a load must not
// re-trigger it.
func (m *Machine) OnFirstMetadataSubscriber() {
	m.mu.Lock()
	fire := m.metadata.Load == Unloaded && !m.metadataOpened
	if fire {
		m.metadataOpened = true
	}
	m.mu.Unlock()
	if fire && m.hooks.OnMetadataSubscriptionOpened != nil {
		m.hooks.OnMetadataSubscriptionOpened()
	}
}

func (m *Machine) OnLastMetadataSubscriber() {
	m.mu.Lock()
	m.metadataOpened = false
	m.mu.Unlock()
	if m.hooks.OnMetadataSubscriptionClosed != nil {
		m.hooks.OnMetadataSubscriptionClosed()
	}
}

func (m *Machine) OnFirstDataSubscriber() {
	if m.data.Load == Unloaded && m.hooks.OnDataSubscriptionOpened != nil {
		m.hooks.OnDataSubscriptionOpened()
	}
}

func (m *Machine) OnLastDataSubscriber() {
	if m.hooks.OnDataSubscriptionClosed != nil {
		m.hooks.OnDataSubscriptionClosed()
	}
}
