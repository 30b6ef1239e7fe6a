package sync_test

import (
	"context"
	"encoding/base64"
	"log/slog"
	"testing"

	"github.com/rpggio/collabdoc/internal/crdtdoc"
	"github.com/rpggio/collabdoc/internal/schema"
	syncdriver "github.com/rpggio/collabdoc/internal/sync"
	"github.com/rpggio/collabdoc/internal/transport"
	"github.com/stretchr/testify/require"
)

type stubSub struct{ channel string }

func (s *stubSub) Channel() string { return s.channel }
func (s *stubSub) Cancel()         {}

type subscribedChannel struct {
	channel string
	handler transport.MessageHandler
}

// stubSession is a minimal hand-written fake transport.Session, in the
// teacher's "scripted fake over a mocking framework" style: the transport
// here is small and stateful, so a fake exercises the handshake/resubscribe
// state machine better than a call-recorder mock.
type stubSession struct {
	subscribed         []subscribedChannel
	published          []published
	handshakeCbs       []transport.HandshakeHandler
	resubscribeBatches [][]transport.ResubscribeRequest
}

type published struct {
	channel string
	payload map[string]any
}

func (s *stubSession) Subscribe(ctx context.Context, channel string, ext any, handler transport.MessageHandler) (transport.Subscription, error) {
	s.subscribed = append(s.subscribed, subscribedChannel{channel: channel, handler: handler})
	return &stubSub{channel: channel}, nil
}

func (s *stubSession) Publish(ctx context.Context, channel string, payload any) error {
	m, _ := payload.(map[string]any)
	s.published = append(s.published, published{channel: channel, payload: m})
	return nil
}

func (s *stubSession) OnHandshake(cb transport.HandshakeHandler) func() {
	s.handshakeCbs = append(s.handshakeCbs, cb)
	return func() {}
}

func (s *stubSession) Resubscribe(ctx context.Context, reqs []transport.ResubscribeRequest) error {
	s.resubscribeBatches = append(s.resubscribeBatches, reqs)
	return nil
}

func (s *stubSession) Close() error { return nil }

func (s *stubSession) fireHandshake(isReconnect bool) {
	for _, cb := range s.handshakeCbs {
		cb(isReconnect)
	}
}

func (s *stubSession) deliver(channelSuffix, msgType string, data map[string]any) {
	for _, sc := range s.subscribed {
		if hasSuffix(sc.channel, channelSuffix) {
			sc.handler(transport.Message{Type: msgType, Data: data})
		}
	}
}

func hasSuffix(s, suffix string) bool {
	if len(suffix) > len(s) {
		return false
	}
	return s[len(s)-len(suffix):] == suffix
}

func encodeB64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

func TestAttachSubscribesThreeChannels(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{}}
	doc := crdtdoc.NewDoc("r1")
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{})

	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))
	require.Len(t, sess.subscribed, 3)
}

func TestPublishLocalUpdateDroppedBeforeRevisionKnown(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{}}
	doc := crdtdoc.NewDoc("r1")
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{})
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	events := doc.Transact("origin", func(tx *crdtdoc.Transaction) {
		tx.SetRecord("User", "u1", map[string]any{"name": "A"})
	})
	require.NoError(t, driver.PublishLocalUpdate(t.Context(), events, nil))
	require.Empty(t, sess.published)
}

func TestPublishLocalUpdateAfterRevisionKnown(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{}}
	doc := crdtdoc.NewDoc("r1")
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{})
	driver.SeedRevision("5")
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	events := doc.Transact("origin", func(tx *crdtdoc.Transaction) {
		tx.SetRecord("User", "u1", map[string]any{"name": "A"})
	})
	require.NoError(t, driver.PublishLocalUpdate(t.Context(), events, nil))
	require.Len(t, sess.published, 1)
	require.Contains(t, sess.published[0].channel, "/publish")
	require.Contains(t, sess.published[0].payload, "yjsUpdate")
}

func TestIncomingUpdateMismatchedBaseRevisionIsDropped(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{}}
	doc := crdtdoc.NewDoc("r1")
	var erroredCalled bool
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{
		SetDataErrored: func(error) { erroredCalled = true },
	})
	driver.SeedRevision("5")
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	sess.deliver("updates", "update", map[string]any{
		"baseRevisionId": "4",
		"revisionId":     "6",
		"update":         map[string]any{"data": "irrelevant"},
	})

	rev, ok := driver.LastRevisionID()
	require.True(t, ok)
	require.Equal(t, "5", rev) // unchanged, per spec.md invariant P10
	require.False(t, erroredCalled)
}

func TestIncomingUpdateAppliesAndAdvancesRevision(t *testing.T) {
	schA := &schema.Schema{Version: 1, Models: map[string]schema.Model{
		"User": {Name: "User", Kind: schema.KindRecord},
	}}
	sender := crdtdoc.NewDoc("sender")
	receiver := crdtdoc.NewDoc("r1")

	events := sender.Transact("origin", func(tx *crdtdoc.Transaction) {
		tx.SetRecord("User", "u1", map[string]any{"name": "A"})
	})
	raw, err := sender.Encode(events)
	require.NoError(t, err)

	var loaded bool
	driver := syncdriver.New("doc1", receiver, schA, slog.Default(), syncdriver.StatusHooks{
		SetDataLoaded: func() { loaded = true },
	})
	driver.SeedRevision("5")
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	sess.deliver("updates", "update", map[string]any{
		"baseRevisionId": "5",
		"revisionId":     "6",
		"update":         map[string]any{"data": encodeB64(raw)},
	})

	rev, ok := driver.LastRevisionID()
	require.True(t, ok)
	require.Equal(t, "6", rev)
	require.True(t, loaded)

	snap, ok := receiver.GetRecord("User", "u1")
	require.True(t, ok)
	v, _ := snap.Get("name")
	require.Equal(t, "A", v)
}

func TestOnActivityFansOutToEverySubscriber(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{}}
	doc := crdtdoc.NewDoc("r1")
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{})
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	var first, second []syncdriver.ActivityEvent
	driver.OnActivity(func(ev syncdriver.ActivityEvent) { first = append(first, ev) })
	driver.OnActivity(func(ev syncdriver.ActivityEvent) { second = append(second, ev) })

	sess.deliver("activity", "edit", map[string]any{"note": "seed"})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, "edit", first[0].Type)
	require.Equal(t, "edit", second[0].Type)
}

func TestOnActivitySecondSubscriberDoesNotClobberFirst(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{}}
	doc := crdtdoc.NewDoc("r1")
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{})
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	var internalCount int
	driver.OnActivity(func(syncdriver.ActivityEvent) { internalCount++ })

	// A later subscriber (e.g. an application-level OnActivity call) must
	// not silently replace the first one.
	driver.OnActivity(func(syncdriver.ActivityEvent) {})

	sess.deliver("activity", "edit", nil)
	require.Equal(t, 1, internalCount)
}

func TestOnActivityUnsubscribeStopsOnlyThatSubscriber(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{}}
	doc := crdtdoc.NewDoc("r1")
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{})
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	var firstCount, secondCount int
	unsubFirst := driver.OnActivity(func(syncdriver.ActivityEvent) { firstCount++ })
	driver.OnActivity(func(syncdriver.ActivityEvent) { secondCount++ })

	sess.deliver("activity", "edit", nil)
	unsubFirst()
	sess.deliver("activity", "edit", nil)

	require.Equal(t, 1, firstCount)
	require.Equal(t, 2, secondCount)
}

func TestOnPresenceFansOutToEverySubscriber(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{
		"User": {Name: "User", Kind: schema.KindRecord},
	}}
	doc := crdtdoc.NewDoc("r1")
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{})
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	var firstCount, secondCount int
	driver.OnPresence(func(syncdriver.PresenceEvent) { firstCount++ })
	driver.OnPresence(func(syncdriver.PresenceEvent) { secondCount++ })

	sess.deliver("presence", "custom", map[string]any{
		"custom": map[string]any{
			"userId":   "u1",
			"clientId": "c1",
			"eventData": map[string]any{
				"eventType": "User",
				"eventData": map[string]any{"foo": "bar"},
			},
		},
	})

	require.Equal(t, 1, firstCount)
	require.Equal(t, 1, secondCount)
}

func TestReconnectResubscribesAllInOneBatch(t *testing.T) {
	sch := &schema.Schema{Version: 1, Models: map[string]schema.Model{}}
	doc := crdtdoc.NewDoc("r1")
	driver := syncdriver.New("doc1", doc, sch, slog.Default(), syncdriver.StatusHooks{})
	sess := &stubSession{}
	require.NoError(t, driver.Attach(t.Context(), sess))

	sess.fireHandshake(false) // initial handshake: no resubscribe
	require.Empty(t, sess.resubscribeBatches)

	sess.fireHandshake(true) // reconnect
	require.Len(t, sess.resubscribeBatches, 1)
	require.Len(t, sess.resubscribeBatches[0], 3)
}
