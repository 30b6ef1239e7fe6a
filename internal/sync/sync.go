// Package sync implements SyncDriver (spec.md §4.6): the concrete
// transport wiring for one document's sync session. It publishes local
// CRDT updates with revision tracking, applies remote updates, manages
// activity/presence subscriptions, and resubscribes in a single batch
// after every reconnect handshake.
package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/rpggio/collabdoc/internal/apperrors"
	"github.com/rpggio/collabdoc/internal/crdtdoc"
	"github.com/rpggio/collabdoc/internal/schema"
	"github.com/rpggio/collabdoc/internal/transport"
)

// RemoteOrigin is the sentinel crdtdoc.ApplyUpdate origin value Driver
// uses when applying a decoded remote update (spec.md §4.6). No code
// compares an origin against it: remote updates are never re-published
// because only the engine's local transaction path calls
// PublishLocalUpdate.
var RemoteOrigin = &struct{ name string }{name: "collabdoc:remote"}

// EditDescription labels a transaction for the activity feed (spec.md §3
// "optional EditDescription... propagated to the publish layer as an
// activity annotation").
type EditDescription struct {
	Model *schema.Model
	Data  map[string]any
}

// ActivityEvent is one message off the document's activity channel.
type ActivityEvent struct {
	Type string
	Data map[string]any
}

// PresenceEvent is one custom presence message, already resolved against
// the document's schema by model name (spec.md §4.6).
type PresenceEvent struct {
	UserID   string
	ClientID string
	Model    *schema.Model
	Data     map[string]any
	FromSelf bool
}

// StatusHooks lets Driver drive the owning document's StatusMachine
// without importing the status package directly, mirroring
// subscriptions.Hooks' decoupling.
type StatusHooks struct {
	SetDataConnecting func()
	SetDataConnected  func()
	SetDataLoaded     func()
	SetDataErrored    func(err error)
}

type subscriptionHandle struct {
	channel  string
	sub      transport.Subscription
	extThunk func() any
}

const (
	channelUpdates  = "updates"
	channelActivity = "activity"
	channelPresence = "presence"
	channelPublish  = "publish"
	channelPresencePublish = "presence-publish"
)

// Driver is one document's sync session: everything spec.md §4.6
// describes as "SyncDriver", scoped to a single docID.
type Driver struct {
	mu       sync.Mutex
	docID    string
	clientID string
	doc      *crdtdoc.Doc
	sch      *schema.Schema
	logger   *slog.Logger
	hooks    StatusHooks

	session transport.Session
	subs    []*subscriptionHandle

	haveRevision   bool
	lastRevisionID string

	warnedUnknown map[string]bool

	activitySubs *subList[func(ActivityEvent)]
	presenceSubs *subList[func(PresenceEvent)]
}

// subList is an ordered, idempotent-unsubscribe set of callbacks, mirroring
// subscriptions.subList: a snapshot() taken before iterating keeps an
// unsubscribe fired from inside a callback from corrupting an in-flight
// fan-out. Driver needs its own copy rather than importing the
// subscriptions package — activity/presence fan-out lives at the transport
// layer, one level below where SubscriptionGraph operates.
type subList[T any] struct {
	mu    sync.Mutex
	order []int
	items map[int]T
	next  int
}

func newSubList[T any]() *subList[T] {
	return &subList[T]{items: make(map[int]T)}
}

func (s *subList[T]) add(cb T) (unsubscribe func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.order = append(s.order, id)
	s.items[id] = cb
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.items, id)
		})
	}
}

// snapshot returns live callbacks in registration order.
func (s *subList[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.items))
	for _, id := range s.order {
		if cb, ok := s.items[id]; ok {
			out = append(out, cb)
		}
	}
	return out
}

// New creates a Driver for docID. clientID should be stable for the
// process's lifetime (spec.md §6's subscription request clientId).
func New(docID string, doc *crdtdoc.Doc, sch *schema.Schema, logger *slog.Logger, hooks StatusHooks) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		docID:         docID,
		clientID:      uuid.NewString(),
		doc:           doc,
		sch:           sch,
		logger:        logger,
		hooks:         hooks,
		warnedUnknown: make(map[string]bool),
		activitySubs:  newSubList[func(ActivityEvent)](),
		presenceSubs:  newSubList[func(PresenceEvent)](),
	}
}

// OnActivity/OnPresence each add a subscriber to the corresponding stream's
// fan-out list and return that subscriber's own unsubscribe, so any number
// of callers — including the engine's own activity-ring backfill — can
// listen at once without clobbering one another (spec.md §8 invariant P8).
func (d *Driver) OnActivity(cb func(ActivityEvent)) func() {
	return d.activitySubs.add(cb)
}

func (d *Driver) OnPresence(cb func(PresenceEvent)) func() {
	return d.presenceSubs.add(cb)
}

// SeedRevision pre-loads a last-known revision id (e.g. from the local
// cache) before Attach, so the session does not have to wait for a full
// remote load before local edits are accepted. No-op if called after
// Attach has already observed a remote revision.
func (d *Driver) SeedRevision(revisionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.haveRevision {
		d.lastRevisionID = revisionID
		d.haveRevision = true
	}
}

// Attach binds session to this driver: performs the initial subscribes
// and registers the reconnect handshake handler (spec.md §4.6).
func (d *Driver) Attach(ctx context.Context, session transport.Session) error {
	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	if d.hooks.SetDataConnecting != nil {
		d.hooks.SetDataConnecting()
	}

	session.OnHandshake(func(isReconnect bool) {
		if d.hooks.SetDataConnected != nil {
			d.hooks.SetDataConnected()
		}
		if isReconnect {
			d.resubscribeAll(context.Background())
		}
	})

	if err := d.subscribe(ctx, channelUpdates, d.updateSubscriptionRequest, d.handleUpdateMessage); err != nil {
		return err
	}
	if err := d.subscribe(ctx, channelActivity, d.simpleSubscriptionRequest, d.handleActivityMessage); err != nil {
		return err
	}
	if err := d.subscribe(ctx, channelPresence, d.simpleSubscriptionRequest, d.handlePresenceMessage); err != nil {
		return err
	}
	return nil
}

func (d *Driver) channel(name string) string {
	return fmt.Sprintf("/document/%s/%s", d.docID, name)
}

func (d *Driver) updateSubscriptionRequest() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := map[string]any{"clientId": d.clientID}
	if d.haveRevision {
		req["lastRevisionId"] = d.lastRevisionID
	}
	return req
}

func (d *Driver) simpleSubscriptionRequest() any {
	return map[string]any{"clientId": d.clientID}
}

func (d *Driver) subscribe(ctx context.Context, name string, extThunk func() any, handler transport.MessageHandler) error {
	channel := d.channel(name)
	sub, err := d.session.Subscribe(ctx, channel, extThunk(), handler)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrSubscriptionFailed, channel, err)
	}
	d.mu.Lock()
	d.subs = append(d.subs, &subscriptionHandle{channel: channel, sub: sub, extThunk: extThunk})
	d.mu.Unlock()
	return nil
}

// resubscribeAll replays every still-live subscription in one transport
// batch with freshly computed ext payloads (spec.md §4.6 invariant P11).
// Subscriptions cancelled by the application between disconnect and
// reconnect are simply absent from d.subs and so are never resubscribed.
func (d *Driver) resubscribeAll(ctx context.Context) {
	d.mu.Lock()
	reqs := make([]transport.ResubscribeRequest, 0, len(d.subs))
	for _, h := range d.subs {
		reqs = append(reqs, transport.ResubscribeRequest{Channel: h.channel, Ext: h.extThunk()})
	}
	session := d.session
	d.mu.Unlock()

	if len(reqs) == 0 || session == nil {
		return
	}
	if err := session.Resubscribe(ctx, reqs); err != nil {
		d.logger.Error("resubscribe after reconnect failed", "doc", d.docID, "error", err)
	}
}

// handleUpdateMessage implements spec.md §4.6's incoming "update" case.
func (d *Driver) handleUpdateMessage(msg transport.Message) {
	switch msg.Type {
	case "update":
		d.applyIncomingUpdate(msg.Data)
	case "error":
		d.applyIncomingError(msg.Data)
	default:
		d.mu.Lock()
		alreadyWarned := d.warnedUnknown[msg.Type]
		d.warnedUnknown[msg.Type] = true
		d.mu.Unlock()
		if !alreadyWarned {
			d.logger.Warn("unknown sync message type", "doc", d.docID, "type", msg.Type)
		}
	}
}

func (d *Driver) applyIncomingUpdate(data map[string]any) {
	baseRevisionID, _ := data["baseRevisionId"].(string)
	revisionID, _ := data["revisionId"].(string)
	encoded := extractUpdateData(data)

	d.mu.Lock()
	mismatch := d.haveRevision && baseRevisionID != "" && baseRevisionID != d.lastRevisionID
	d.mu.Unlock()
	if mismatch {
		d.logger.Warn("dropping remote update with mismatched base revision",
			"doc", d.docID, "baseRevisionId", baseRevisionID, "lastRevisionId", d.lastRevisionID,
			"error", apperrors.ErrSyncBaseRevisionMismatch)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		d.logger.Error("failed to decode remote update payload", "doc", d.docID, "error", err)
		return
	}

	if _, err := d.doc.ApplyUpdate(raw, RemoteOrigin); err != nil {
		d.logger.Error("failed to apply remote update", "doc", d.docID, "error", err)
		if d.hooks.SetDataErrored != nil {
			d.hooks.SetDataErrored(err)
		}
		return
	}

	d.mu.Lock()
	d.lastRevisionID = revisionID
	d.haveRevision = true
	d.mu.Unlock()

	if d.hooks.SetDataLoaded != nil {
		d.hooks.SetDataLoaded()
	}
}

func extractUpdateData(data map[string]any) string {
	update, ok := data["update"].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := update["data"].(string)
	return s
}

func (d *Driver) applyIncomingError(data map[string]any) {
	instanceID, _ := data["errorInstanceId"].(string)
	err := fmt.Errorf("%w: instance %s", apperrors.ErrLoadError, instanceID)
	d.logger.Error("remote sync error", "doc", d.docID, "errorInstanceId", instanceID)
	if d.hooks.SetDataErrored != nil {
		d.hooks.SetDataErrored(err)
	}
}

func (d *Driver) handleActivityMessage(msg transport.Message) {
	ev := ActivityEvent{Type: msg.Type, Data: msg.Data}
	for _, cb := range d.activitySubs.snapshot() {
		cb(ev)
	}
}

func (d *Driver) handlePresenceMessage(msg transport.Message) {
	custom, ok := msg.Data["custom"].(map[string]any)
	if !ok {
		return
	}
	userID, _ := custom["userId"].(string)
	clientID, _ := custom["clientId"].(string)
	eventData, _ := custom["eventData"].(map[string]any)
	eventType, _ := eventData["eventType"].(string)

	model, ok := d.sch.Models[eventType]
	if !ok {
		d.mu.Lock()
		alreadyWarned := d.warnedUnknown["presence:"+eventType]
		d.warnedUnknown["presence:"+eventType] = true
		d.mu.Unlock()
		if !alreadyWarned {
			d.logger.Warn("presence event references unknown model", "doc", d.docID, "model", eventType)
		}
		return
	}

	payload, _ := eventData["eventData"].(map[string]any)
	ev := PresenceEvent{
		UserID:   userID,
		ClientID: clientID,
		Model:    &model,
		Data:     payload,
		FromSelf: clientID == d.clientID,
	}
	for _, cb := range d.presenceSubs.snapshot() {
		cb(ev)
	}
}

// PublishLocalUpdate implements spec.md §4.6's outgoing path: it is
// called by the engine after a local crdtdoc.Transact whose origin is not
// RemoteOrigin. If the initial load has not yet completed (lastRevisionId
// unknown) the update is logged and dropped, per the Open Question
// resolution in SPEC_FULL.md — reached only in practice via a narrow race
// since the engine itself now rejects local mutations before LOADED.
func (d *Driver) PublishLocalUpdate(ctx context.Context, events []crdtdoc.Event, desc *EditDescription) error {
	d.mu.Lock()
	haveRevision := d.haveRevision
	session := d.session
	d.mu.Unlock()

	if !haveRevision {
		d.logger.Warn("dropping local update published before initial load completed", "doc", d.docID)
		return nil
	}
	if session == nil {
		return fmt.Errorf("%w: no active session", apperrors.ErrSubscriptionFailed)
	}

	raw, err := d.doc.Encode(events)
	if err != nil {
		return fmt.Errorf("encode local update: %w", err)
	}

	payload := map[string]any{
		"clientId": d.clientID,
		"editId":   uuid.NewString(),
		"yjsUpdate": map[string]any{
			"data": base64.StdEncoding.EncodeToString(raw),
		},
	}
	if desc != nil && desc.Model != nil {
		payload["description"] = map[string]any{
			"eventType": desc.Model.Name,
			"eventData": map[string]any{"data": desc.Data, "version": 1},
		}
	}

	if err := session.Publish(ctx, d.channel(channelPublish), payload); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrSubscriptionFailed, err)
	}
	return nil
}

// UpdateCustomPresence broadcasts an ephemeral presence event (spec.md
// §4.5's updateCustomPresence); best-effort, never persisted.
func (d *Driver) UpdateCustomPresence(ctx context.Context, userID string, model *schema.Model, data map[string]any) error {
	d.mu.Lock()
	session := d.session
	clientID := d.clientID
	d.mu.Unlock()
	if session == nil {
		return fmt.Errorf("%w: no active session", apperrors.ErrSubscriptionFailed)
	}

	payload := map[string]any{
		"type": "custom",
		"custom": map[string]any{
			"userId":   userID,
			"clientId": clientID,
			"eventData": map[string]any{
				"eventType": model.Name,
				"eventData": data,
			},
		},
	}
	if err := session.Publish(ctx, d.channel(channelPresencePublish), payload); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrSubscriptionFailed, err)
	}
	return nil
}

// LastRevisionID reports the most recently applied server revision, and
// whether one has ever been observed.
func (d *Driver) LastRevisionID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRevisionID, d.haveRevision
}

// Close tears down every live subscription.
func (d *Driver) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	for _, h := range subs {
		h.sub.Cancel()
	}
}
