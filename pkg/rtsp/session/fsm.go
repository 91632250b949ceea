package session

import (
	"context"

	"github.com/looplab/fsm"
)

// newClientFSM builds the Outbound/client transition table of spec.md
// §4.5, generalizing dialog.go's single after_event callback pattern:
// the fsm only tracks the state name, the actual request/response
// handling lives in client.go and fires these named events after its
// own guard checks pass.
func newClientFSM(s *Session) *fsm.FSM {
	return fsm.NewFSM(
		string(StateNone),
		fsm.Events{
			{Name: "connect", Src: []string{string(StateNone)}, Dst: string(StateDescribe)},
			{Name: "auth_retry", Src: []string{string(StateDescribe)}, Dst: string(StateDescribe)},
			{Name: "describe_ok_audio", Src: []string{string(StateDescribe)}, Dst: string(StateSetupAudio)},
			{Name: "describe_ok_video_only", Src: []string{string(StateDescribe)}, Dst: string(StateSetupVideo)},
			{Name: "setup_audio_ok_more_video", Src: []string{string(StateSetupAudio)}, Dst: string(StateSetupVideo)},
			{Name: "setup_audio_ok_done", Src: []string{string(StateSetupAudio)}, Dst: string(StatePlay)},
			{Name: "setup_video_ok", Src: []string{string(StateSetupVideo)}, Dst: string(StatePlay)},
			{Name: "play_ok", Src: []string{string(StatePlay)}, Dst: string(StatePlaying)},
			{Name: "teardown_local", Src: []string{string(StatePlaying)}, Dst: string(StateTeardown)},
			{Name: "teardown_done", Src: []string{string(StateTeardown)}, Dst: string(StateTornDown)},
			{
				Name: "fail",
				Src: []string{
					string(StateNone), string(StateDescribe), string(StateSetupAudio),
					string(StateSetupVideo), string(StatePlay), string(StatePlaying), string(StateTeardown),
				},
				Dst: string(StateTornDown),
			},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.log.Debug().Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("client state transition")
			},
		},
	)
}

// newServerFSM builds the Inbound/server transition table. OPTIONS is
// deliberately not an fsm event: spec.md marks it "(unchanged)" at any
// state, so it's handled in server.go without ever touching the fsm.
func newServerFSM(s *Session) *fsm.FSM {
	return fsm.NewFSM(
		string(StateNone),
		fsm.Events{
			{Name: "describe", Src: []string{string(StateNone)}, Dst: string(StateDescribe)},
			{Name: "setup", Src: []string{string(StateDescribe), string(StateSetup)}, Dst: string(StateSetup)},
			{Name: "play", Src: []string{string(StateSetup)}, Dst: string(StatePlaying)},
			{
				Name: "teardown",
				Src: []string{
					string(StateNone), string(StateDescribe), string(StateSetup), string(StatePlaying),
				},
				Dst: string(StateTornDown),
			},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.log.Debug().Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("server state transition")
			},
		},
	)
}
