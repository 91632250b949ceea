// Package session implements the per-dialog RTSP state machine: one
// Session entity parameterized by Direction, dispatching requests (the
// server role) or responses (the client role) through the looplab/fsm
// transition tables in fsm.go, the way the teacher drives its SIP
// dialog through a single fsm.FSM with an "after_event" callback
// syncing its own state field.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/auth"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/message"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/sdp"
)

// Direction distinguishes an outbound (client/pull) session from an
// inbound (server/push) one, per the data model.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// State names match spec's union of the client and server tables
// verbatim; guards reject any event whose Src isn't the session's
// current state, so a server session simply never fires the
// SetupAudio/SetupVideo/Play events and a client session never fires
// Setup.
type State string

const (
	StateNone        State = "None"
	StateDescribe    State = "Describe"
	StateSetupAudio  State = "SetupAudio"
	StateSetupVideo  State = "SetupVideo"
	StateSetup       State = "Setup"
	StatePlay        State = "Play"
	StatePlaying     State = "Playing"
	StateTeardown    State = "Teardown"
	StateTornDown    State = "TornDown"
)

// EndReason classifies why a session reached TornDown, for the
// teardown-reason metrics counter and the conferencing shell's call
// log.
type EndReason string

const (
	EndedNormally            EndReason = "Normal"
	EndedByRemoteUser        EndReason = "EndedByRemoteUser"
	EndedByNoCompatibleCodec EndReason = "EndedByNoCompatibleCodec"
	EndedByTransport         EndReason = "EndedByTransport"
	EndedByRefusal           EndReason = "EndedByRefusal"
)

// Sender is the Listener capability a Session writes serialized
// messages through; send must not re-enter the Session on the calling
// goroutine (spec §5).
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// ConferenceManager is the opaque external collaborator a Playing
// session joins/leaves.
type ConferenceManager interface {
	Join(room, memberID, label string) error
	Leave(memberID string) error
}

// AuthConfig is the static credential configuration a session is
// constructed with; an empty Username and Password means the room
// issues no Digest challenge.
type AuthConfig struct {
	Realm    string
	Username string
	Password string
}

// Session is one RTSP dialog, either role.
type Session struct {
	mu sync.Mutex

	CallToken  string
	Direction  Direction
	RemoteURI  string
	LocalURI   string
	SessionStr string // the Session: header token, fixed at first SETUP response (I5)

	cseq int // outbound CSeq counter (I3); last-issued value, starts at 0

	fsm *fsm.FSM

	LocalCaps  sdp.CapabilitySet
	RemoteCaps sdp.CapabilitySet
	AudioPt    *sdp.PayloadType
	VideoPt    *sdp.PayloadType

	AudioLocalPort int
	VideoLocalPort int

	Auth       AuthConfig
	authClient auth.ClientState
	authServer *auth.ServerChallenge

	NatIP string

	RemoteApplication string // User-Agent/Server sniffed from the peer, for diagnostics and the RealMedia 505 guard

	Room     string
	MemberID string

	Conference ConferenceManager
	sender     Sender
	log        zerolog.Logger

	EndReason EndReason
}

// New constructs a Session in the given direction with an initialized
// FSM at StateNone. callToken defaults to peer address for inbound
// sessions per the original's callToken = socket->GetAddress()
// convention; callers supply it explicitly since only SessionManager
// knows the peer address.
func New(dir Direction, callToken string, sender Sender, conf ConferenceManager, logger *zerolog.Logger) *Session {
	s := &Session{
		CallToken:  callToken,
		Direction:  dir,
		SessionStr: uuid.NewString(),
		LocalCaps:  make(sdp.CapabilitySet),
		RemoteCaps: make(sdp.CapabilitySet),
		Conference: conf,
		sender:     sender,
	}
	if logger != nil {
		s.log = logger.With().Str("call_token", callToken).Str("direction", dir.String()).Logger()
	} else {
		s.log = log.With().Str("call_token", callToken).Str("direction", dir.String()).Logger()
	}
	if dir == Outbound {
		s.fsm = newClientFSM(s)
	} else {
		s.fsm = newServerFSM(s)
	}
	return s
}

// State returns the session's current state under lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.fsm.Current())
}

// nextCSeq advances and returns the outbound CSeq counter; only
// meaningful for Outbound sessions but harmless to call either way.
func (s *Session) nextCSeq() int {
	s.cseq++
	return s.cseq
}

// send serializes nothing itself; callers pass already-serialized
// bytes. Kept as a thin wrapper so every outbound write goes through
// one place for logging.
func (s *Session) send(ctx context.Context, data []byte) error {
	if s.sender == nil {
		return fmt.Errorf("session %s: no sender attached", s.CallToken)
	}
	return s.sender.Send(ctx, data)
}

// fire drives the fsm and returns nil if the event was accepted; a
// rejected event (wrong Src state) leaves state untouched per the
// "must reject any transition outside the tables without mutating
// state" requirement, since looplab/fsm never mutates Current() on an
// invalid transition. A table event whose Dst equals the current state
// (auth_retry, a second server setup) is accepted: looplab/fsm reports
// it as NoTransitionError, which is not passed on.
func (s *Session) fire(ctx context.Context, event string, args ...any) error {
	err := s.fsm.Event(ctx, event, args...)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// canFire reports whether event is legal from the current state,
// without attempting to fire it — used by guards that need to return
// a specific status code (455) rather than a generic fsm error.
func (s *Session) canFire(event string) bool {
	return s.fsm.Can(event)
}

// ClearCall tears the session down. Per §5's cancellation rule, an
// outbound TEARDOWN is attempted synchronously only when the session
// is locally initiated and currently Playing; any other state or a
// remote-initiated close skips straight to resource release.
func (s *Session) ClearCall(ctx context.Context, reason EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCallLocked(ctx, reason)
}

// clearCallLocked is ClearCall's body, callable from request/response
// handlers that already hold s.mu (HandleRequest/HandleResponse take
// the lock for their whole call, per §5's atomicity requirement).
func (s *Session) clearCallLocked(ctx context.Context, reason EndReason) {
	s.EndReason = reason
	if State(s.fsm.Current()) == StatePlaying && s.Direction == Outbound {
		req := s.newRequest("TEARDOWN")
		req.Session = s.SessionStr
		s.attachAuth(req)
		_ = s.fire(ctx, "teardown_local")
		_ = s.send(ctx, message.Serialize(req))
	}
	if s.MemberID != "" && s.Conference != nil {
		_ = s.Conference.Leave(s.MemberID)
	}
	s.fsm.SetState(string(StateTornDown))
	s.log.Info().Str("reason", string(reason)).Msg("session ended")
}
