package session

import (
	"context"
	"testing"
	"time"

	"senvo/backend/internal/logging"
	"senvo/backend/internal/matching"
	"senvo/backend/internal/models"
	"senvo/backend/internal/signaling"
	"senvo/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, store storage.Store, id string, opts matching.Options) *Session {
	t.Helper()
	s, err := New(context.Background(), Deps{
		Store:    store,
		Identity: matching.StaticIdentity(id),
		Match:    opts,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// waitEvent reads events until one of kind arrives.
func waitEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("%s: no %s event", s.SelfID(), kind)
		}
	}
}

func waitQueued(t *testing.T, store storage.Store, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		entries, err := store.ListQueueEntries(context.Background())
		return err == nil && len(entries) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func pair(t *testing.T, store storage.Store, mode models.Mode) (*Session, *Session) {
	t.Helper()
	ctx := context.Background()
	alice := newSession(t, store, "alice", matching.Options{})
	bob := newSession(t, store, "bob", matching.Options{})

	require.NoError(t, alice.Find(ctx, mode))
	waitEvent(t, alice, EventSearching)
	waitQueued(t, store, 1)
	require.NoError(t, bob.Find(ctx, mode))

	a := waitEvent(t, alice, EventMatched)
	b := waitEvent(t, bob, EventMatched)
	require.Equal(t, a.Match.RoomID, b.Match.RoomID)
	return alice, bob
}

func TestSession_TextRoomChat(t *testing.T) {
	store := storage.NewMemoryStore()
	alice, bob := pair(t, store, models.ModeText)
	ctx := context.Background()

	assert.Equal(t, StatusConnected, alice.Status())
	assert.Equal(t, "bob", alice.Match().PeerID)

	sent, err := alice.SendChat(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", sent.Text())

	ev := waitEvent(t, bob, EventChat)
	assert.Equal(t, "hello", ev.Message.Text())
	assert.Equal(t, "alice", ev.Message.SenderID)

	history, err := bob.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSession_SignalsReachPeer(t *testing.T) {
	store := storage.NewMemoryStore()
	alice, bob := pair(t, store, models.ModeVideo)
	ctx := context.Background()

	require.NoError(t, bob.SendSignal(ctx, models.SignalOffer, map[string]string{"type": "offer", "sdp": "v=0"}))
	ev := waitEvent(t, alice, EventSignal)
	assert.Equal(t, models.SignalOffer, ev.Signal.Type)
	assert.Equal(t, "alice", ev.Signal.ReceiverID)

	_, err := alice.SendChat(ctx, "no chat in video")
	assert.ErrorIs(t, err, ErrNotTextMode)
	assert.NotNil(t, alice.Signals())
}

func TestSession_OnRoomOwnsSignals(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	relays := make(chan *signaling.Relay, 1)
	alice, err := New(ctx, Deps{
		Store:    store,
		Identity: matching.StaticIdentity("alice"),
		Logger:   logging.Discard(),
		OnRoom: func(match *matching.MatchResult, signals *signaling.Relay) {
			assert.Equal(t, "bob", match.PeerID)
			relays <- signals
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { alice.Close(context.Background()) })
	bob := newSession(t, store, "bob", matching.Options{})

	require.NoError(t, alice.Find(ctx, models.ModeVideo))
	waitQueued(t, store, 1)
	require.NoError(t, bob.Find(ctx, models.ModeVideo))
	waitEvent(t, alice, EventMatched)
	waitEvent(t, bob, EventMatched)

	var relay *signaling.Relay
	select {
	case relay = <-relays:
	case <-time.After(2 * time.Second):
		t.Fatal("OnRoom was not called")
	}

	// Sent before anyone listens on alice's side.
	require.NoError(t, bob.SendSignal(ctx, models.SignalOffer, map[string]string{"type": "offer"}))
	time.Sleep(20 * time.Millisecond)

	got := make(chan *models.SignalMessage, 1)
	relay.OnSignal(func(sig *models.SignalMessage) { got <- sig })
	select {
	case sig := <-got:
		assert.Equal(t, models.SignalOffer, sig.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("held signal was not delivered")
	}

	select {
	case ev := <-alice.Events():
		assert.NotEqual(t, EventSignal, ev.Kind)
	default:
	}
}

func TestSession_EndNotifiesPeer(t *testing.T) {
	store := storage.NewMemoryStore()
	alice, bob := pair(t, store, models.ModeVoice)
	ctx := context.Background()

	require.NoError(t, alice.End(ctx))
	assert.Equal(t, StatusIdle, alice.Status())
	assert.Nil(t, alice.Match())

	ev := waitEvent(t, bob, EventPeerLeft)
	assert.Equal(t, "alice", ev.Match.PeerID)
	assert.Equal(t, StatusIdle, bob.Status())
	waitQueued(t, store, 0)

	_, err := bob.SendChat(ctx, "anyone?")
	assert.ErrorIs(t, err, ErrNotConnected)

	// Idempotent.
	require.NoError(t, alice.End(ctx))
}

func TestSession_SkipFindsSomeoneElse(t *testing.T) {
	store := storage.NewMemoryStore()
	alice, bob := pair(t, store, models.ModeText)
	ctx := context.Background()

	carol := newSession(t, store, "carol", matching.Options{})
	require.NoError(t, carol.Find(ctx, models.ModeText))
	waitQueued(t, store, 3)

	require.NoError(t, alice.Skip(ctx))
	waitEvent(t, bob, EventPeerLeft)

	ev := waitEvent(t, alice, EventMatched)
	assert.Equal(t, "carol", ev.Match.PeerID)
	assert.Equal(t, models.ModeText, ev.Mode)
	waitEvent(t, carol, EventMatched)
}

func TestSession_EndWhileSearching(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	alice := newSession(t, store, "alice", matching.Options{})

	require.NoError(t, alice.Find(ctx, models.ModeVideo))
	waitQueued(t, store, 1)
	assert.ErrorIs(t, alice.Find(ctx, models.ModeVideo), ErrBusy)

	require.NoError(t, alice.End(ctx))
	waitEvent(t, alice, EventEnded)
	assert.Equal(t, StatusIdle, alice.Status())
	waitQueued(t, store, 0)
}

func TestSession_SearchTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	alice := newSession(t, store, "alice", matching.Options{MaxWait: 30 * time.Millisecond})

	require.NoError(t, alice.Find(context.Background(), models.ModeText))
	ev := waitEvent(t, alice, EventError)
	assert.ErrorIs(t, ev.Err, matching.ErrSearchTimeout)
	require.Eventually(t, func() bool { return alice.Status() == StatusIdle }, time.Second, 5*time.Millisecond)

	// A new search is allowed afterwards.
	require.NoError(t, alice.Find(context.Background(), models.ModeText))
}

func TestSession_CloseRefusesFurtherWork(t *testing.T) {
	store := storage.NewMemoryStore()
	alice := newSession(t, store, "alice", matching.Options{})

	require.NoError(t, alice.Close(context.Background()))
	require.NoError(t, alice.Close(context.Background()))
	assert.ErrorIs(t, alice.Find(context.Background(), models.ModeText), ErrClosed)
	<-alice.Done()
}
