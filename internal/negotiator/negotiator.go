// Package negotiator drives one side of a peer connection handshake: offer,
// answer and trickled ICE candidates exchanged through a room's signal relay,
// with ICE restart on transient disconnects.
package negotiator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"senvo/backend/internal/models"
	"senvo/backend/internal/signaling"

	"github.com/pion/webrtc/v4"
)

// Transport is the subset of *webrtc.PeerConnection the negotiator drives.
type Transport interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Signaler sends and receives room signals; *signaling.Relay implements it.
type Signaler interface {
	Send(ctx context.Context, receiverID string, typ models.SignalType, payload interface{}) error
	OnSignal(h signaling.Handler) (cancel func())
}

var _ Transport = (*webrtc.PeerConnection)(nil)
var _ Signaler = (*signaling.Relay)(nil)

type Config struct {
	RoomID string
	SelfID string
	PeerID string
	// OfferDelay gives the answering side time to subscribe before the
	// initiator's offer is stored.
	OfferDelay time.Duration
	// Timeout fails a session that never reaches Connected. Zero disables it.
	Timeout        time.Duration
	MaxICERestarts int
}

// IsInitiator reports whether selfID should send the offer. Both sides compute
// the same answer without coordinating.
func IsInitiator(selfID, peerID string) bool {
	return selfID > peerID
}

type eventKind int

const (
	evSignal eventKind = iota
	evLocalCandidate
	evTransportState
	evSendOffer
	evTimeout
)

type event struct {
	kind      eventKind
	signal    *models.SignalMessage
	candidate webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
}

type stateObserver struct {
	id int
	fn func(State)
}

// Negotiator is single use: Start once, Close once. All protocol state is
// owned by one goroutine.
type Negotiator struct {
	cfg       Config
	transport Transport
	signaler  Signaler
	logger    *slog.Logger
	initiator bool

	events chan event
	done   chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	started   bool
	cancel    context.CancelFunc
	observers []stateObserver
	nextObs   int
	closeOnce sync.Once

	// event loop only
	remoteSet      bool
	awaitingAnswer bool
	connectedOnce  bool
	restarts       int
	pending        []webrtc.ICECandidateInit
	unsubscribe    func()
	timers         []*time.Timer
	closedDown     bool
}

func New(cfg Config, transport Transport, signaler Signaler, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		cfg:       cfg,
		transport: transport,
		signaler:  signaler,
		logger:    logger.With("room", cfg.RoomID, "self", cfg.SelfID, "peer", cfg.PeerID),
		initiator: IsInitiator(cfg.SelfID, cfg.PeerID),
		events:    make(chan event, 64),
		done:      make(chan struct{}),
	}
}

// Start wires the transport and signal callbacks and begins negotiating.
func (n *Negotiator) Start(ctx context.Context) error {
	if n.cfg.RoomID == "" || n.cfg.SelfID == "" || n.cfg.PeerID == "" {
		return NewError("start", ErrNotInitialized)
	}

	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	n.setState(StateConnecting)

	n.transport.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		n.push(event{kind: evLocalCandidate, candidate: c.ToJSON()})
	})
	n.transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.push(event{kind: evTransportState, state: s})
	})
	n.unsubscribe = n.signaler.OnSignal(func(s *models.SignalMessage) {
		n.push(event{kind: evSignal, signal: s})
	})

	if n.initiator {
		n.schedule(n.cfg.OfferDelay, evSendOffer)
	}
	if n.cfg.Timeout > 0 {
		n.schedule(n.cfg.Timeout, evTimeout)
	}

	n.logger.Debug("negotiation started", "initiator", n.initiator)
	go n.run(loopCtx)
	return nil
}

func (n *Negotiator) schedule(d time.Duration, kind eventKind) {
	n.timers = append(n.timers, time.AfterFunc(d, func() {
		n.push(event{kind: kind})
	}))
}

func (n *Negotiator) push(ev event) {
	select {
	case n.events <- ev:
	case <-n.done:
	}
}

func (n *Negotiator) run(ctx context.Context) {
	defer close(n.done)
	defer n.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			if n.State().Terminal() {
				continue
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Negotiator) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evSendOffer:
		if n.State() == StateConnecting {
			n.sendOffer(ctx, false)
		}
	case evTimeout:
		if !n.connectedOnce {
			n.fail(NewError("negotiate", ErrNegotiationTimeout))
		}
	case evLocalCandidate:
		if err := n.signaler.Send(ctx, n.cfg.PeerID, models.SignalICECandidate, ev.candidate); err != nil {
			n.logger.Warn("sending ice candidate failed", "error", err)
		}
	case evTransportState:
		n.onTransportState(ctx, ev.state)
	case evSignal:
		n.onSignal(ctx, ev.signal)
	}
}

func (n *Negotiator) sendOffer(ctx context.Context, iceRestart bool) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
		// Candidates for the new credentials must wait for the new answer.
		n.remoteSet = false
	}

	offer, err := n.transport.CreateOffer(opts)
	if err != nil {
		n.fail(NewError("create offer", err))
		return
	}
	if err := n.transport.SetLocalDescription(offer); err != nil {
		n.fail(NewError("set local description", err))
		return
	}
	if err := n.signaler.Send(ctx, n.cfg.PeerID, models.SignalOffer, offer); err != nil {
		n.fail(NewError("send offer", err))
		return
	}
	n.awaitingAnswer = true
	if !iceRestart {
		n.setState(StateNegotiating)
	}
}

func (n *Negotiator) onSignal(ctx context.Context, s *models.SignalMessage) {
	if s.SenderID != n.cfg.PeerID {
		n.logger.Debug("ignoring signal from unknown sender", "sender", s.SenderID)
		return
	}

	switch s.Type {
	case models.SignalOffer:
		n.onOffer(ctx, s)
	case models.SignalAnswer:
		n.onAnswer(s)
	case models.SignalICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(s.Payload, &candidate); err != nil {
			n.fail(WrapError("handle ice candidate", ErrMalformedSignal, err.Error()))
			return
		}
		if !n.remoteSet {
			n.pending = append(n.pending, candidate)
			return
		}
		n.addCandidate(candidate)
	default:
		n.fail(WrapError("handle signal", ErrMalformedSignal, string(s.Type)))
	}
}

func (n *Negotiator) onOffer(ctx context.Context, s *models.SignalMessage) {
	if n.initiator {
		n.fail(WrapError("handle offer", ErrUnexpectedSignal, "initiator received an offer"))
		return
	}
	offer, err := decodeDescription(s.Payload, webrtc.SDPTypeOffer)
	if err != nil {
		n.fail(WrapError("handle offer", ErrMalformedSignal, err.Error()))
		return
	}
	if err := n.transport.SetRemoteDescription(offer); err != nil {
		n.fail(NewError("set remote description", err))
		return
	}
	n.remoteSet = true
	n.flushCandidates()

	answer, err := n.transport.CreateAnswer(nil)
	if err != nil {
		n.fail(NewError("create answer", err))
		return
	}
	if err := n.transport.SetLocalDescription(answer); err != nil {
		n.fail(NewError("set local description", err))
		return
	}
	if err := n.signaler.Send(ctx, n.cfg.PeerID, models.SignalAnswer, answer); err != nil {
		n.fail(NewError("send answer", err))
		return
	}
	if n.State() == StateConnecting {
		n.setState(StateNegotiating)
	}
}

func (n *Negotiator) onAnswer(s *models.SignalMessage) {
	if !n.initiator || !n.awaitingAnswer {
		n.fail(WrapError("handle answer", ErrUnexpectedSignal, "no offer outstanding"))
		return
	}
	answer, err := decodeDescription(s.Payload, webrtc.SDPTypeAnswer)
	if err != nil {
		n.fail(WrapError("handle answer", ErrMalformedSignal, err.Error()))
		return
	}
	if err := n.transport.SetRemoteDescription(answer); err != nil {
		n.fail(NewError("set remote description", err))
		return
	}
	n.awaitingAnswer = false
	n.remoteSet = true
	n.flushCandidates()
}

func decodeDescription(payload []byte, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, err
	}
	if desc.Type != want {
		return desc, fmt.Errorf("expected %s, got %s", want, desc.Type)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("empty sdp")
	}
	return desc, nil
}

// flushCandidates applies buffered remote candidates in arrival order.
func (n *Negotiator) flushCandidates() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		n.addCandidate(c)
	}
}

func (n *Negotiator) addCandidate(c webrtc.ICECandidateInit) {
	// A single bad candidate does not doom the session; ICE may succeed
	// with the others.
	if err := n.transport.AddICECandidate(c); err != nil {
		n.logger.Warn("adding ice candidate failed", "candidate", c.Candidate, "error", err)
	}
}

func (n *Negotiator) onTransportState(ctx context.Context, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.connectedOnce = true
		n.restarts = 0
		n.setState(StateConnected)

	case webrtc.PeerConnectionStateDisconnected:
		n.setState(StateDisconnected)
		if !n.initiator {
			// The initiator restarts; we answer its new offer.
			return
		}
		if n.restarts >= n.cfg.MaxICERestarts {
			n.fail(WrapError("ice restart", ErrRestartsExhausted, fmt.Sprintf("after %d attempts", n.restarts)))
			return
		}
		n.restarts++
		n.logger.Info("connection lost, restarting ice", "attempt", n.restarts)
		n.sendOffer(ctx, true)

	case webrtc.PeerConnectionStateFailed:
		n.fail(NewError("connection", ErrConnectionFailed))
	}
}

func (n *Negotiator) fail(err *Error) {
	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		return
	}
	n.err = err
	n.mu.Unlock()

	n.logger.Warn("negotiation failed", "error", err)
	n.setState(StateFailed)
	n.release()
}

// release stops timers and subscriptions and closes the transport.
func (n *Negotiator) release() {
	if n.closedDown {
		return
	}
	n.closedDown = true

	for _, t := range n.timers {
		t.Stop()
	}
	n.timers = nil
	if n.unsubscribe != nil {
		n.unsubscribe()
	}
	n.pending = nil
	if err := n.transport.Close(); err != nil {
		n.logger.Debug("closing transport", "error", err)
	}
}

func (n *Negotiator) shutdown() {
	n.release()
	if !n.State().Terminal() {
		n.setState(StateClosed)
	}
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	if n.state == s {
		n.mu.Unlock()
		return
	}
	prev := n.state
	n.state = s
	observers := make([]stateObserver, len(n.observers))
	copy(observers, n.observers)
	n.mu.Unlock()

	n.logger.Debug("state change", "from", prev, "to", s)
	for _, o := range observers {
		o.fn(s)
	}
}

// OnStateChange registers fn for every later transition. Callbacks run on the
// negotiator goroutine and must not call Close.
func (n *Negotiator) OnStateChange(fn func(State)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextObs++
	id := n.nextObs
	n.observers = append(n.observers, stateObserver{id: id, fn: fn})
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, o := range n.observers {
			if o.id == id {
				n.observers = append(n.observers[:i], n.observers[i+1:]...)
				return
			}
		}
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the failure that moved the negotiator to Failed, if any.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (n *Negotiator) Initiator() bool { return n.initiator }

// Done is closed after Close has released everything.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// Close stops negotiation, unsubscribes from signals, discards buffered
// candidates and closes the transport. A failed negotiator stays Failed.
func (n *Negotiator) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		started, cancel := n.started, n.cancel
		n.started = true
		n.mu.Unlock()

		if started && cancel != nil {
			cancel()
			<-n.done
			return
		}
		n.shutdown()
		close(n.done)
	})
	return nil
}
