package negotiator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"senvo/backend/internal/logging"
	"senvo/backend/internal/models"
	"senvo/backend/internal/signaling"
	"senvo/backend/internal/storage"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records what the negotiator asks of it. State changes are
// injected with emit.
type fakeTransport struct {
	mu         sync.Mutex
	calls      []string
	offers     []*webrtc.OfferOptions
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     int

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create-offer")
	f.offers = append(f.offers, opts)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(f.offers))}, nil
}

func (f *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(webrtc.SessionDescription) error {
	f.record("set-local")
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "set-remote")
	f.remote = append(f.remote, desc)
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "add-candidate")
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) emit(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeTransport) snapshot() (calls []string, offers []*webrtc.OfferOptions, candidates []webrtc.ICECandidateInit, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]*webrtc.OfferOptions(nil), f.offers...),
		append([]webrtc.ICECandidateInit(nil), f.candidates...), f.closed
}

type harness struct {
	store *storage.MemoryStore
	room  string
}

func newHarness() *harness {
	return &harness{store: storage.NewMemoryStore(), room: "room-1"}
}

func (h *harness) relay(t *testing.T, self string) *signaling.Relay {
	t.Helper()
	r, err := signaling.NewRelay(context.Background(), h.store, h.room, self, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func (h *harness) negotiator(t *testing.T, self, peer string, cfg Config) (*Negotiator, *fakeTransport) {
	t.Helper()
	cfg.RoomID, cfg.SelfID, cfg.PeerID = h.room, self, peer
	transport := &fakeTransport{}
	n := New(cfg, transport, h.relay(t, self), logging.Discard())
	t.Cleanup(func() { n.Close() })
	return n, transport
}

func waitState(t *testing.T, n *Negotiator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return n.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state is %s, want %s", n.State(), want)
}

func signalsOfType(h *harness, typ models.SignalType) []models.SignalMessage {
	var out []models.SignalMessage
	for _, s := range h.store.Signals(h.room) {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func TestIsInitiator(t *testing.T) {
	assert.True(t, IsInitiator("b", "a"))
	assert.False(t, IsInitiator("a", "b"))
	// Exactly one side initiates for any pair of distinct ids.
	for _, pair := range [][2]string{{"x1", "x2"}, {"0d4f", "f00d"}, {"same-prefix-a", "same-prefix"}} {
		assert.NotEqual(t, IsInitiator(pair[0], pair[1]), IsInitiator(pair[1], pair[0]))
	}
}

func TestHandshake_OnlyInitiatorOffers(t *testing.T) {
	h := newHarness()
	a, ta := h.negotiator(t, "alice", "bob", Config{})
	b, tb := h.negotiator(t, "bob", "alice", Config{})
	require.False(t, a.Initiator())
	require.True(t, b.Initiator())

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	waitState(t, a, StateNegotiating)
	waitState(t, b, StateNegotiating)
	require.Eventually(t, func() bool { return len(signalsOfType(h, models.SignalAnswer)) == 1 }, time.Second, 5*time.Millisecond)

	offers := signalsOfType(h, models.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "bob", offers[0].SenderID)
	assert.Equal(t, "alice", offers[0].ReceiverID)

	answers := signalsOfType(h, models.SignalAnswer)
	assert.Equal(t, "alice", answers[0].SenderID)

	require.Eventually(t, func() bool {
		calls, _, _, _ := tb.snapshot()
		return len(calls) >= 3 && calls[len(calls)-1] == "set-remote"
	}, time.Second, 5*time.Millisecond)
	callsA, _, _, _ := ta.snapshot()
	assert.Equal(t, []string{"set-remote", "create-answer", "set-local"}, callsA)

	ta.emit(webrtc.PeerConnectionStateConnected)
	tb.emit(webrtc.PeerConnectionStateConnected)
	waitState(t, a, StateConnected)
	waitState(t, b, StateConnected)
	assert.NoError(t, a.Err())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness()
	n, tr := h.negotiator(t, "alice", "bob", Config{})
	bob := h.relay(t, "bob")
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, bob.Send(ctx, "alice", models.SignalICECandidate,
			webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i)}))
	}
	time.Sleep(30 * time.Millisecond)
	calls, _, _, _ := tr.snapshot()
	assert.Empty(t, calls, "no candidate may be applied before the offer")

	require.NoError(t, bob.Send(ctx, "alice", models.SignalOffer, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	require.NoError(t, bob.Send(ctx, "alice", models.SignalICECandidate, webrtc.ICECandidateInit{Candidate: "candidate:3 1 udp 1 10.0.0.3 5000 typ host"}))

	require.Eventually(t, func() bool {
		_, _, cands, _ := tr.snapshot()
		return len(cands) == 4
	}, time.Second, 5*time.Millisecond)

	calls, _, cands, _ := tr.snapshot()
	assert.Equal(t, "set-remote", calls[0])
	for i, c := range cands {
		assert.Contains(t, c.Candidate, fmt.Sprintf("candidate:%d ", i), "candidates must keep arrival order")
	}
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	h := newHarness()
	n, tr := h.negotiator(t, "alice", "bob", Config{})
	require.NoError(t, n.Start(context.Background()))

	tr.mu.Lock()
	onCandidate := tr.onCandidate
	tr.mu.Unlock()
	// End of gathering is not forwarded.
	onCandidate(nil)
	onCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       5000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})

	require.Eventually(t, func() bool { return len(signalsOfType(h, models.SignalICECandidate)) == 1 }, time.Second, 5*time.Millisecond)
	sent := signalsOfType(h, models.SignalICECandidate)[0]
	assert.Equal(t, "bob", sent.ReceiverID)

	var init webrtc.ICECandidateInit
	require.NoError(t, json.Unmarshal(sent.Payload, &init))
	assert.Contains(t, init.Candidate, "10.0.0.1")
}

func TestIceRestartOnDisconnect(t *testing.T) {
	h := newHarness()
	n, tr := h.negotiator(t, "bob", "alice", Config{MaxICERestarts: 1})
	alice := h.relay(t, "alice")
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	waitState(t, n, StateNegotiating)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	require.NoError(t, alice.Send(ctx, "bob", models.SignalAnswer, answer))
	require.Eventually(t, func() bool {
		calls, _, _, _ := tr.snapshot()
		return len(calls) == 3
	}, time.Second, 5*time.Millisecond)

	tr.emit(webrtc.PeerConnectionStateConnected)
	waitState(t, n, StateConnected)

	tr.emit(webrtc.PeerConnectionStateDisconnected)
	require.Eventually(t, func() bool { return len(signalsOfType(h, models.SignalOffer)) == 2 }, time.Second, 5*time.Millisecond)
	_, offers, _, _ := tr.snapshot()
	require.Len(t, offers, 2)
	assert.Nil(t, offers[0])
	require.NotNil(t, offers[1])
	assert.True(t, offers[1].ICERestart)
	assert.Equal(t, StateDisconnected, n.State())

	// Restart budget is spent; a second drop without recovery fails.
	require.NoError(t, alice.Send(ctx, "bob", models.SignalAnswer, answer))
	tr.emit(webrtc.PeerConnectionStateDisconnected)
	waitState(t, n, StateFailed)
	assert.ErrorIs(t, n.Err(), ErrRestartsExhausted)
}

func TestNonInitiatorWaitsForRestartOffer(t *testing.T) {
	h := newHarness()
	n, tr := h.negotiator(t, "alice", "bob", Config{})
	require.NoError(t, n.Start(context.Background()))

	tr.emit(webrtc.PeerConnectionStateDisconnected)
	waitState(t, n, StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	_, offers, _, _ := tr.snapshot()
	assert.Empty(t, offers)
}

func TestFailedIsTerminal(t *testing.T) {
	h := newHarness()
	n, tr := h.negotiator(t, "alice", "bob", Config{})
	require.NoError(t, n.Start(context.Background()))

	var seen []State
	var mu sync.Mutex
	n.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	tr.emit(webrtc.PeerConnectionStateFailed)
	waitState(t, n, StateFailed)

	var negErr *Error
	require.ErrorAs(t, n.Err(), &negErr)
	assert.ErrorIs(t, negErr, ErrConnectionFailed)

	tr.emit(webrtc.PeerConnectionStateConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateFailed, n.State())

	require.NoError(t, n.Close())
	assert.Equal(t, StateFailed, n.State())
	_, _, _, closed := tr.snapshot()
	assert.GreaterOrEqual(t, closed, 1)

	mu.Lock()
	assert.Equal(t, []State{StateFailed}, seen)
	mu.Unlock()
}

func TestMalformedAndOutOfOrderSignalsFail(t *testing.T) {
	cases := []struct {
		name    string
		self    string
		typ     models.SignalType
		payload interface{}
		want    error
	}{
		{"offer with wrong sdp type", "alice", models.SignalOffer, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, ErrMalformedSignal},
		{"offer without sdp", "alice", models.SignalOffer, map[string]string{"type": "offer"}, ErrMalformedSignal},
		{"candidate not an object", "alice", models.SignalICECandidate, []string{"x"}, ErrMalformedSignal},
		{"answer without offer", "alice", models.SignalAnswer, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, ErrUnexpectedSignal},
		{"offer to initiator", "zed", models.SignalOffer, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, ErrUnexpectedSignal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			n, _ := h.negotiator(t, tc.self, "bob", Config{OfferDelay: time.Hour})
			bob := h.relay(t, "bob")
			require.NoError(t, n.Start(context.Background()))

			require.NoError(t, bob.Send(context.Background(), tc.self, tc.typ, tc.payload))
			waitState(t, n, StateFailed)
			assert.ErrorIs(t, n.Err(), tc.want)
		})
	}
}

func TestSignalsFromStrangersIgnored(t *testing.T) {
	h := newHarness()
	n, tr := h.negotiator(t, "alice", "bob", Config{})
	mallory := h.relay(t, "mallory")
	require.NoError(t, n.Start(context.Background()))

	require.NoError(t, mallory.Send(context.Background(), "alice", models.SignalOffer,
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	time.Sleep(30 * time.Millisecond)

	calls, _, _, _ := tr.snapshot()
	assert.Empty(t, calls)
	assert.Equal(t, StateConnecting, n.State())
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness()
	n, _ := h.negotiator(t, "alice", "bob", Config{Timeout: 30 * time.Millisecond})
	require.NoError(t, n.Start(context.Background()))

	waitState(t, n, StateFailed)
	assert.ErrorIs(t, n.Err(), ErrNegotiationTimeout)
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness()
	n, tr := h.negotiator(t, "alice", "bob", Config{})
	bob := h.relay(t, "bob")
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	require.NoError(t, bob.Send(ctx, "alice", models.SignalICECandidate, webrtc.ICECandidateInit{Candidate: "candidate:0 1 udp 1 10.0.0.1 5000 typ host"}))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, StateClosed, n.State())
	<-n.Done()

	_, _, _, closed := tr.snapshot()
	assert.Equal(t, 1, closed)

	// Late signals go nowhere.
	require.NoError(t, bob.Send(ctx, "alice", models.SignalOffer, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	time.Sleep(20 * time.Millisecond)
	calls, _, cands, _ := tr.snapshot()
	assert.Empty(t, calls)
	assert.Empty(t, cands)
}

func TestStartRequiresIDs(t *testing.T) {
	n := New(Config{RoomID: "room"}, &fakeTransport{}, newHarness().relay(t, "x"), logging.Discard())
	err := n.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, StateIdle, n.State())
	require.NoError(t, n.Close())
}
