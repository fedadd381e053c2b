package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"senvo/backend/internal/config"
	"senvo/backend/internal/matching"
	"senvo/backend/internal/negotiator"

	"github.com/pion/webrtc/v4"
)

var errLinkClosed = errors.New("direct channel not open")

// link is the direct connection to the current partner: a pion peer
// connection, its negotiator and one pre-negotiated data channel.
type link struct {
	pc   *webrtc.PeerConnection
	neg  *negotiator.Negotiator
	dc   *webrtc.DataChannel
	open atomic.Bool
}

type linkHandlers struct {
	onOpen  func()
	onFrame func(Frame)
	onState func(negotiator.State, error)
}

func dial(ctx context.Context, cfg *config.Config, loopback bool, match *matching.MatchResult, signaler negotiator.Signaler, h linkHandlers, logger *slog.Logger) (*link, error) {
	pc, err := negotiator.NewPeerConnection(cfg.ICEServers, loopback)
	if err != nil {
		return nil, err
	}

	// Both sides create the channel with a fixed id, so neither waits for
	// the other to announce it.
	negotiated := true
	var id uint16
	dc, err := pc.CreateDataChannel("chat", &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		pc.Close()
		return nil, err
	}

	l := &link{pc: pc, dc: dc}
	dc.OnOpen(func() {
		l.open.Store(true)
		h.onOpen()
	})
	dc.OnClose(func() { l.open.Store(false) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f, err := decodeFrame(msg.Data)
		if err != nil {
			logger.Warn("dropping undecodable frame", "error", err)
			return
		}
		h.onFrame(f)
	})

	l.neg = negotiator.New(negotiator.Config{
		RoomID:         match.RoomID,
		SelfID:         match.SelfID,
		PeerID:         match.PeerID,
		OfferDelay:     cfg.Negotiation.OfferDelay,
		Timeout:        cfg.Negotiation.Timeout,
		MaxICERestarts: cfg.Negotiation.MaxICERestarts,
	}, pc, signaler, logger)
	l.neg.OnStateChange(func(s negotiator.State) {
		h.onState(s, l.neg.Err())
	})

	if err := l.neg.Start(ctx); err != nil {
		l.neg.Close()
		return nil, err
	}
	return l, nil
}

func (l *link) send(f Frame) error {
	if !l.open.Load() {
		return errLinkClosed
	}
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return l.dc.Send(data)
}

// close says goodbye when possible and releases the peer connection.
func (l *link) close() {
	if l.open.Load() {
		_ = l.send(newFrame(frameBye, ""))
	}
	l.neg.Close()
}
