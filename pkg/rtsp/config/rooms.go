package config

import (
	"strings"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/manager"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/sdp"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/session"
)

// staticPayloadTypes is the handful of RTP static payload type
// assignments a configured codec name might resolve to; anything else
// falls back to the dynamic range the original uses (96 for audio, 97
// for video) the way rtsp.cxx's CreateDefaultRTPSessions does when a
// codec's static payload is -1.
var staticPayloadTypes = map[string]sdp.PayloadType{
	"PCMU": 0,
	"GSM":  3,
	"G723": 4,
	"PCMA": 8,
	"G722": 9,
}

const (
	dynamicAudioPt = 96
	dynamicVideoPt = 97
)

func resolveAudio(name string) sdp.CapabilityEntry {
	upper := strings.ToUpper(name)
	pt, ok := staticPayloadTypes[upper]
	if !ok {
		pt = dynamicAudioPt
	}
	return sdp.CapabilityEntry{Name: upper, Kind: sdp.Audio, PayloadType: pt, ClockRate: 8000}
}

func resolveVideo(name string, bandwidthKbps, width, height, frameRate int) sdp.CapabilityEntry {
	upper := strings.ToUpper(name)
	return sdp.CapabilityEntry{
		Name: upper, Kind: sdp.Video, PayloadType: dynamicVideoPt, ClockRate: 90000,
		Bandwidth: bandwidthKbps, Width: width, Height: height, FrameRate: frameRate,
		Fmtp: "", // codec-specific fmtp is supplied by the configured codec catalog, out of this core's scope
	}
}

// Policy adapts a Config into pkg/rtsp/manager's PathPolicy, resolving
// the path of a connection's first OPTIONS/DESCRIBE request to the room/auth/codec offer
// SessionManager needs, without that package importing config
// directly.
type Policy struct {
	cfg *Config
}

// NewPolicy wraps cfg as a manager.PathPolicy.
func NewPolicy(cfg *Config) *Policy {
	return &Policy{cfg: cfg}
}

// Resolve implements manager.PathPolicy.
func (p *Policy) Resolve(path string) (manager.RoomConfig, bool) {
	if path == "" || !p.cfg.RoomEnabled(path) || !p.cfg.Enable {
		return manager.RoomConfig{}, false
	}

	caps := make(sdp.CapabilitySet)
	if p.cfg.AudioCodec != "" {
		entry := resolveAudio(p.cfg.AudioCodec)
		caps[entry.PayloadType] = &entry
	}
	if p.cfg.VideoCodec != "" {
		width, height := p.cfg.ResolutionWidthHeight()
		entry := resolveVideo(p.cfg.VideoCodec, p.cfg.BandwidthFrom, width, height, p.cfg.FrameRateFrom)
		caps[entry.PayloadType] = &entry
	}

	room := p.cfg.RoomName
	if room == "" {
		room = path
	}

	return manager.RoomConfig{
		Room: room,
		Auth: session.AuthConfig{
			Username: p.cfg.UserName,
			Password: p.cfg.Password,
		},
		LocalCaps: caps,
	}, true
}
