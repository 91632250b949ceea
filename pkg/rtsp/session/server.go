package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/auth"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/message"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/sdp"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/transport"
)

const serverAgent = "OpenMCU-ru"

// SupportedMethods is advertised in OPTIONS' Public: header, in the
// order spec.md §6 lists them.
const SupportedMethods = "OPTIONS, DESCRIBE, SETUP, TEARDOWN, PLAY"

func rtspDate() string {
	return time.Now().UTC().Format(time.RFC1123)
}

func (s *Session) newResponse(req *message.Message, code int, reason string) *message.Message {
	return &message.Message{
		StatusCode: code,
		Reason:     reason,
		CSeq:       req.CSeq,
		CSeqMethod: req.CSeqMethod,
		Date:       rtspDate(),
		Server:     serverAgent,
	}
}

// HandleRequest dispatches one inbound RTSP request against the
// server-role transition table. It returns the response message to
// serialize and send; the session mutex is held for the whole call so
// state mutation is atomic. The response is not sent here: the caller
// writes it after HandleRequest returns, outside the session mutex.
func (s *Session) HandleRequest(ctx context.Context, req *message.Message) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.RemoteApplication = req.UserAgent

	switch req.Method {
	case "OPTIONS":
		return s.handleOptions(req), nil
	case "DESCRIBE":
		return s.handleDescribe(ctx, req)
	case "SETUP":
		return s.handleSetup(ctx, req)
	case "PLAY":
		return s.handlePlay(ctx, req)
	case "TEARDOWN":
		return s.handleTeardown(ctx, req)
	default:
		resp := s.newResponse(req, 455, "Method Not Valid in This State")
		return resp, &StateError{Kind: MethodOutOfOrder, Method: req.Method, State: State(s.fsm.Current())}
	}
}

// handleOptions never touches the fsm: spec.md marks it "(unchanged)"
// at any state.
func (s *Session) handleOptions(req *message.Message) *message.Message {
	resp := s.newResponse(req, 200, "OK")
	resp.Public = SupportedMethods
	return resp
}

func (s *Session) handleDescribe(ctx context.Context, req *message.Message) (*message.Message, error) {
	if !s.canFire("describe") {
		resp := s.newResponse(req, 455, "Method Not Valid in This State")
		return resp, &StateError{Kind: MethodOutOfOrder, Method: req.Method, State: State(s.fsm.Current())}
	}

	if s.Auth.Username != "" || s.Auth.Password != "" {
		if req.Authorization == "" {
			if s.authServer == nil {
				chal, err := auth.NewChallenge(s.authRealm())
				if err != nil {
					return s.newResponse(req, 400, "Bad Request"), err
				}
				s.authServer = chal
			}
			resp := s.newResponse(req, 401, "Unauthorized")
			resp.WWWAuthenticate = s.authServer.Header()
			return resp, nil
		}

		if err := s.authServer.Verify(req.Authorization, req.Method, s.Auth.Username, s.Auth.Password); err != nil {
			resp := s.newResponse(req, 403, "Forbidden")
			s.clearCallLocked(ctx, EndedByRefusal)
			return resp, err
		}
	}

	if err := s.fire(ctx, "describe"); err != nil {
		return s.newResponse(req, 400, "Bad Request"), err
	}

	medias := s.localMediaList()
	body, err := sdp.BuildSDP(req.URI, medias)
	if err != nil {
		s.clearCallLocked(ctx, EndedByNoCompatibleCodec)
		return s.newResponse(req, 400, "Bad Request"), err
	}
	for _, m := range medias {
		pt := m.PayloadType
		if m.Kind == sdp.Audio {
			s.AudioPt = &pt
		} else {
			s.VideoPt = &pt
		}
	}

	resp := s.newResponse(req, 200, "OK")
	resp.ContentType = "application/sdp"
	resp.CacheControl = "no-cache"
	resp.Payload = body
	return resp, nil
}

// localMediaList renders LocalCaps into the sdp package's outbound
// shape; audio and video slots are emitted in that order when
// present.
func (s *Session) localMediaList() []sdp.LocalMedia {
	var out []sdp.LocalMedia
	for _, kind := range []sdp.MediaKind{sdp.Audio, sdp.Video} {
		for _, entry := range s.LocalCaps {
			if entry.Kind != kind {
				continue
			}
			out = append(out, sdp.LocalMedia{
				Kind:      entry.Kind,
				PayloadType: entry.PayloadType,
				Name:      entry.Name,
				ClockRate: entry.ClockRate,
				Params:    entry.Params,
				Fmtp:      entry.Fmtp,
				Bandwidth: entry.Bandwidth,
			})
			break
		}
	}
	return out
}

func (s *Session) authRealm() string {
	if s.Auth.Realm != "" {
		return s.Auth.Realm
	}
	return auth.DefaultRealm
}

// setupMedia derives the media kind from the RTSP request URI's
// path, per the original's two-segment SETUP convention: the second
// path segment when present (rtsp://host/room/audio), else the first
// for a single-segment SETUP target.
func setupMedia(uri string) string {
	trimmed := strings.TrimPrefix(uri, "rtsp://")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return ""
	}
	path := strings.Trim(trimmed[idx+1:], "/")
	segs := strings.Split(path, "/")
	if len(segs) >= 2 {
		return segs[1]
	}
	if len(segs) == 1 {
		return segs[0]
	}
	return ""
}

func (s *Session) handleSetup(ctx context.Context, req *message.Message) (*message.Message, error) {
	if !s.canFire("setup") {
		resp := s.newResponse(req, 455, "Method Not Valid in This State")
		return resp, &StateError{Kind: MethodOutOfOrder, Method: req.Method, State: State(s.fsm.Current())}
	}

	media := setupMedia(req.URI)
	var pt *sdp.PayloadType
	var localPort int
	switch media {
	case "audio":
		pt = s.AudioPt
		localPort = s.AudioLocalPort
	case "video":
		pt = s.VideoPt
		localPort = s.VideoLocalPort
	default:
		resp := s.newResponse(req, 400, "Bad Request")
		return resp, fmt.Errorf("session: setup: unknown media %q", media)
	}
	if pt == nil || localPort == 0 {
		resp := s.newResponse(req, 400, "Bad Request")
		return resp, fmt.Errorf("session: setup: media %q not offered", media)
	}

	requestHost := hostFromURI(req.URI)
	params, err := transport.Parse(req.Transport, transport.Inbound, requestHost, "")
	if err != nil {
		resp := s.newResponse(req, 400, "Bad Request")
		return resp, err
	}
	entry := s.remoteEntryFor(*pt)
	entry.RemoteIP = params.RemoteIP
	entry.RemotePort = params.RemotePort

	if err := s.fire(ctx, "setup"); err != nil {
		resp := s.newResponse(req, 455, "Method Not Valid in This State")
		return resp, err
	}

	if s.SessionStr == "" {
		s.SessionStr = req.Session
	}

	resp := s.newResponse(req, 200, "OK")
	resp.Session = s.SessionStr
	resp.Transport = transport.Rewrite(req.Transport, s.NatIP, localPort)
	return resp, nil
}

func (s *Session) remoteEntryFor(pt sdp.PayloadType) *sdp.CapabilityEntry {
	entry, ok := s.RemoteCaps[pt]
	if !ok {
		entry = &sdp.CapabilityEntry{PayloadType: pt}
		s.RemoteCaps[pt] = entry
	}
	return entry
}

func hostFromURI(uri string) string {
	trimmed := strings.TrimPrefix(uri, "rtsp://")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func (s *Session) handlePlay(ctx context.Context, req *message.Message) (*message.Message, error) {
	if !s.canFire("play") {
		resp := s.newResponse(req, 455, "Method Not Valid in This State")
		return resp, &StateError{Kind: MethodOutOfOrder, Method: req.Method, State: State(s.fsm.Current())}
	}

	if err := s.fire(ctx, "play"); err != nil {
		resp := s.newResponse(req, 455, "Method Not Valid in This State")
		return resp, err
	}

	if s.Conference != nil && s.Room != "" {
		if s.MemberID == "" {
			s.MemberID = s.CallToken
		}
		if err := s.Conference.Join(s.Room, s.MemberID, "RTSP "+s.Room); err != nil {
			s.clearCallLocked(ctx, EndedByRefusal)
			return s.newResponse(req, 400, "Bad Request"), err
		}
	}

	resp := s.newResponse(req, 200, "OK")
	resp.Session = s.SessionStr
	return resp, nil
}

func (s *Session) handleTeardown(ctx context.Context, req *message.Message) (*message.Message, error) {
	resp := s.newResponse(req, 200, "OK")
	resp.Session = s.SessionStr
	_ = s.fire(ctx, "teardown")
	if s.MemberID != "" && s.Conference != nil {
		_ = s.Conference.Leave(s.MemberID)
	}
	s.EndReason = EndedNormally
	s.log.Info().Msg("session torn down by peer TEARDOWN")
	return resp, nil
}
