package gateway

import (
	"encoding/json"
	"errors"

	"senvo/backend/internal/chat"
	"senvo/backend/internal/matching"
	"senvo/backend/internal/models"
	"senvo/backend/internal/negotiator"
	"senvo/backend/internal/session"
	"senvo/backend/internal/signaling"
)

// Frame types sent by the browser.
const (
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameSkip    = "skip"
	FrameSignal  = "signal"
	FrameChat    = "chat"
	FrameMedia   = "media"
	FrameHistory = "history"
)

// Frame types sent by the server. Chat and signal frames reuse the inbound names.
const (
	FrameSearching = "searching"
	FrameMatched   = "matched"
	FramePeerLeft  = "peer_left"
	FrameEnded     = "ended"
	FrameError     = "error"
)

// Inbound is a client request. Ref, when set, is echoed on the reply so the
// client can correlate errors and optimistic echoes.
type Inbound struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`

	Mode models.Mode `json:"mode,omitempty"`

	Signal  models.SignalType `json:"signal,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`

	Text string `json:"text,omitempty"`

	// Media is either a URL the client already uploaded, or inline data.
	MediaType models.MessageType `json:"media_type,omitempty"`
	URL       string             `json:"url,omitempty"`
	Name      string             `json:"name,omitempty"`
	Data      []byte             `json:"data,omitempty"`
}

// MatchInfo tells the browser who it was paired with and whether it should
// create the offer.
type MatchInfo struct {
	matching.MatchResult
	Initiator bool `json:"initiator"`
}

type Outbound struct {
	Type    string                `json:"type"`
	Ref     string                `json:"ref,omitempty"`
	Mode    models.Mode           `json:"mode,omitempty"`
	Match   *MatchInfo            `json:"match,omitempty"`
	Signal  *models.SignalMessage `json:"signal,omitempty"`
	Message *models.ChatMessage   `json:"message,omitempty"`
	History []models.ChatMessage  `json:"history,omitempty"`
	Code    string                `json:"code,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func matchInfo(m *matching.MatchResult) *MatchInfo {
	if m == nil {
		return nil
	}
	return &MatchInfo{MatchResult: *m, Initiator: negotiator.IsInitiator(m.SelfID, m.PeerID)}
}

// eventFrame converts a session event into the frame the browser sees.
func eventFrame(ev session.Event) Outbound {
	switch ev.Kind {
	case session.EventSearching:
		return Outbound{Type: FrameSearching, Mode: ev.Mode}
	case session.EventMatched:
		return Outbound{Type: FrameMatched, Mode: ev.Mode, Match: matchInfo(ev.Match)}
	case session.EventSignal:
		return Outbound{Type: FrameSignal, Signal: ev.Signal}
	case session.EventChat:
		return Outbound{Type: FrameChat, Message: ev.Message}
	case session.EventPeerLeft:
		return Outbound{Type: FramePeerLeft, Match: matchInfo(ev.Match)}
	case session.EventEnded:
		return Outbound{Type: FrameEnded}
	default:
		return errorFrame("", ev.Err)
	}
}

var errInvalidFrame = errors.New("invalid frame")

func errorFrame(ref string, err error) Outbound {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Outbound{Type: FrameError, Ref: ref, Code: errorCode(err), Error: err.Error()}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, matching.ErrSearchTimeout):
		return "search_timeout"
	case errors.Is(err, session.ErrBusy):
		return "busy"
	case errors.Is(err, session.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, session.ErrNotTextMode):
		return "not_text_mode"
	case errors.Is(err, session.ErrClosed):
		return "closed"
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMediaType),
		errors.Is(err, chat.ErrMediaTooLarge),
		errors.Is(err, signaling.ErrInvalidPayload),
		errors.Is(err, errInvalidFrame):
		return "invalid_request"
	case errors.Is(err, chat.ErrNoUploader):
		return "media_unavailable"
	}
	return "internal"
}
