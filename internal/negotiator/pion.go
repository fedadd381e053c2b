package negotiator

import (
	"senvo/backend/internal/config"

	"github.com/pion/webrtc/v4"
)

// ICEServers converts configured servers to pion's form.
func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

// NewPeerConnection creates a pion PeerConnection. includeLoopback adds
// loopback host candidates, needed when both peers run on one machine.
func NewPeerConnection(servers []config.ICEServer, includeLoopback bool) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(includeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ICEServers(servers),
	})
	if err != nil {
		return nil, NewError("create peer connection", err)
	}
	return pc, nil
}
