package session

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/auth"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/message"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/sdp"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/transport"
)

const clientAgent = "OpenMCU-ru"

// DefaultPort is the RTSP well-known port, used when a dial target
// omits one — default port is 554, not 80 (spec.md §4.6/4.7).
const DefaultPort = 554

// ParseTarget splits an rtsp:// URL into host:port and request path,
// applying DefaultPort when the URL carries none.
func ParseTarget(raw string) (hostport, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("session: parse target: %w", err)
	}
	if u.Scheme != "rtsp" {
		return "", "", fmt.Errorf("session: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	return host + ":" + port, u.Path, nil
}

func (s *Session) newRequest(method string) *message.Message {
	cseq := s.nextCSeq()
	return &message.Message{
		IsRequest:  true,
		Method:     method,
		URI:        s.RemoteURI,
		CSeq:       cseq,
		CSeqMethod: method,
		UserAgent:  clientAgent,
	}
}

func (s *Session) attachAuth(req *message.Message) {
	if s.authClient.Nonce == "" {
		return
	}
	authz, err := s.authClient.Authorize(req.Method, req.URI, s.Auth.Username, s.Auth.Password)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to compute digest authorization")
		return
	}
	req.Authorization = authz
}

// Connect drives a freshly-constructed Outbound session from None to
// Describe by sending the first DESCRIBE, per spec.md §8 scenario 4.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canFire("connect") {
		return fmt.Errorf("session: connect: invalid from state %s", s.fsm.Current())
	}

	req := s.newRequest("DESCRIBE")
	req.Extra = append(req.Extra, message.Header{Name: "Accept", Value: "application/sdp"})
	s.attachAuth(req)

	if err := s.fire(ctx, "connect"); err != nil {
		return err
	}
	return s.send(ctx, message.Serialize(req))
}

// HandleResponse dispatches one inbound RTSP response against the
// client-role transition table, mirroring OnResponseReceived's
// state-keyed status-code switch.
func (s *Session) HandleResponse(ctx context.Context, resp *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.RemoteApplication = resp.Server

	switch State(s.fsm.Current()) {
	case StateDescribe:
		return s.handleDescribeResponse(ctx, resp)
	case StateSetupAudio, StateSetupVideo:
		return s.handleSetupResponse(ctx, resp)
	case StatePlay:
		return s.handlePlayResponse(ctx, resp)
	case StateTeardown:
		return nil
	default:
		return fmt.Errorf("session: unexpected response in state %s", s.fsm.Current())
	}
}

func (s *Session) handleDescribeResponse(ctx context.Context, resp *message.Message) error {
	if resp.StatusCode == 401 {
		if s.authClient.Nonce != "" || s.Auth.Username == "" || s.Auth.Password == "" {
			s.clearCallLocked(ctx, EndedByRefusal)
			return fmt.Errorf("session: %w", auth.ErrAlreadyChallenged)
		}
		if err := s.authClient.ParseChallenge(resp.WWWAuthenticate); err != nil {
			s.clearCallLocked(ctx, EndedByRefusal)
			return err
		}

		req := s.newRequest("DESCRIBE")
		req.Extra = append(req.Extra, message.Header{Name: "Accept", Value: "application/sdp"})
		s.attachAuth(req)
		if err := s.fire(ctx, "auth_retry"); err != nil {
			return err
		}
		return s.send(ctx, message.Serialize(req))
	}

	if resp.StatusCode != 200 {
		s.clearCallLocked(ctx, EndedByRemoteUser)
		return fmt.Errorf("session: describe failed: %d", resp.StatusCode)
	}

	caps, err := sdp.ParsePeerSDP(resp.Payload)
	if err != nil {
		s.clearCallLocked(ctx, EndedByNoCompatibleCodec)
		return err
	}
	s.RemoteCaps = caps

	var audioPt, videoPt *sdp.PayloadType
	for pt, entry := range caps {
		local := s.LocalCaps.FindByName(entry.Name)
		if local == nil {
			continue
		}
		switch entry.Kind {
		case sdp.Audio:
			if audioPt == nil {
				pt := pt
				audioPt = &pt
			}
		case sdp.Video:
			if videoPt == nil {
				pt := pt
				videoPt = &pt
			}
		}
	}
	s.AudioPt = audioPt
	s.VideoPt = videoPt

	if audioPt == nil && videoPt == nil {
		s.clearCallLocked(ctx, EndedByNoCompatibleCodec)
		return fmt.Errorf("session: no compatible codec in peer SDP")
	}

	var event, media string
	if audioPt != nil {
		event, media = "describe_ok_audio", "audio"
	} else {
		event, media = "describe_ok_video_only", "video"
	}
	if err := s.fire(ctx, event); err != nil {
		return err
	}
	return s.sendSetup(ctx, media)
}

func (s *Session) sendSetup(ctx context.Context, media string) error {
	var localPort int
	switch media {
	case "audio":
		localPort = s.AudioLocalPort
	case "video":
		localPort = s.VideoLocalPort
	}

	req := s.newRequest("SETUP")
	req.URI = s.RemoteURI + "/" + media
	req.Transport = "RTP/AVP;unicast;client_port=" + transport.LocalPortPair(localPort)
	req.Session = s.SessionStr
	s.attachAuth(req)
	return s.send(ctx, message.Serialize(req))
}

func (s *Session) handleSetupResponse(ctx context.Context, resp *message.Message) error {
	if resp.StatusCode != 200 {
		s.clearCallLocked(ctx, EndedByRemoteUser)
		return fmt.Errorf("session: setup failed: %d", resp.StatusCode)
	}
	if resp.Session != "" {
		s.SessionStr = resp.Session
	}

	wasAudio := State(s.fsm.Current()) == StateSetupAudio
	var pt *sdp.PayloadType
	if wasAudio {
		pt = s.AudioPt
	} else {
		pt = s.VideoPt
	}
	if pt != nil {
		params, err := transport.Parse(resp.Transport, transport.Outbound, "", "")
		if err != nil {
			s.clearCallLocked(ctx, EndedByRemoteUser)
			return err
		}
		entry := s.remoteEntryFor(*pt)
		entry.RemoteIP = params.RemoteIP
		entry.RemotePort = params.RemotePort
	}

	if wasAudio && s.VideoPt != nil {
		if err := s.fire(ctx, "setup_audio_ok_more_video"); err != nil {
			return err
		}
		return s.sendSetup(ctx, "video")
	}

	event := "setup_video_ok"
	if wasAudio {
		event = "setup_audio_ok_done"
	}
	if err := s.fire(ctx, event); err != nil {
		return err
	}

	req := s.newRequest("PLAY")
	req.Session = s.SessionStr
	s.attachAuth(req)
	return s.send(ctx, message.Serialize(req))
}

func (s *Session) handlePlayResponse(ctx context.Context, resp *message.Message) error {
	if resp.StatusCode != 200 {
		s.clearCallLocked(ctx, EndedByRemoteUser)
		return fmt.Errorf("session: play failed: %d", resp.StatusCode)
	}
	return s.fire(ctx, "play_ok")
}

// Teardown sends an outbound TEARDOWN from Playing, matching
// ClearCall's "best-effort synchronous TEARDOWN only when Playing and
// locally initiated" rule; any other state tears down without it.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.fsm.Current()) != StatePlaying {
		s.clearCallLocked(ctx, EndedNormally)
		return nil
	}

	req := s.newRequest("TEARDOWN")
	req.Session = s.SessionStr
	s.attachAuth(req)
	if err := s.fire(ctx, "teardown_local"); err != nil {
		return err
	}
	_ = s.send(ctx, message.Serialize(req))
	_ = s.fire(ctx, "teardown_done")
	s.clearCallLocked(ctx, EndedNormally)
	return nil
}
