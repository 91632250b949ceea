package session

import (
	"context"
	"strings"
	"testing"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/auth"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/message"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/sdp"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(_ context.Context, data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

type fakeConference struct {
	joined []string
	left   []string
	fail   bool
}

func (f *fakeConference) Join(room, memberID, label string) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.joined = append(f.joined, room+"/"+memberID)
	return nil
}

func (f *fakeConference) Leave(memberID string) error {
	f.left = append(f.left, memberID)
	return nil
}

func audioCaps() sdp.CapabilitySet {
	return sdp.CapabilitySet{
		0: {Name: "PCMU", Kind: sdp.Audio, PayloadType: 0, ClockRate: 8000},
	}
}

func newServerSession(t *testing.T) (*Session, *fakeSender, *fakeConference) {
	t.Helper()
	sender := &fakeSender{}
	conf := &fakeConference{}
	s := New(Inbound, "peer:1234", sender, conf, nil)
	s.LocalCaps = audioCaps()
	s.AudioLocalPort = 6000
	s.Room = "room1"
	return s, sender, conf
}

func TestHandleRequestOptionsUnchangedAtAnyState(t *testing.T) {
	s, _, _ := newServerSession(t)
	req := &message.Message{IsRequest: true, Method: "OPTIONS", URI: "rtsp://host/room1", CSeq: 1, CSeqMethod: "OPTIONS"}

	resp, err := s.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Public != SupportedMethods {
		t.Fatalf("expected Public header %q, got %q", SupportedMethods, resp.Public)
	}
	if s.State() != StateNone {
		t.Fatalf("OPTIONS must not move state, got %s", s.State())
	}
}

func TestHandleRequestDescribeNoAuth(t *testing.T) {
	s, _, _ := newServerSession(t)
	req := &message.Message{IsRequest: true, Method: "DESCRIBE", URI: "rtsp://host/room1", CSeq: 1, CSeqMethod: "DESCRIBE"}

	resp, err := s.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.ContentType != "application/sdp" {
		t.Fatalf("expected application/sdp content type, got %q", resp.ContentType)
	}
	if len(resp.Payload) == 0 {
		t.Fatal("expected non-empty SDP body")
	}
	if s.State() != StateDescribe {
		t.Fatalf("expected Describe state, got %s", s.State())
	}
}

func TestHandleRequestDescribeChallengesThenAccepts(t *testing.T) {
	s, _, _ := newServerSession(t)
	s.Auth = AuthConfig{Username: "alice", Password: "secret"}

	req := &message.Message{IsRequest: true, Method: "DESCRIBE", URI: "rtsp://host/room1", CSeq: 1, CSeqMethod: "DESCRIBE"}
	resp, err := s.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on first DESCRIBE: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.WWWAuthenticate == "" {
		t.Fatal("expected WWW-Authenticate header on 401")
	}
	if s.State() != StateNone {
		t.Fatalf("unauthenticated DESCRIBE must not move state, got %s", s.State())
	}

	var client auth.ClientState
	if err := client.ParseChallenge(resp.WWWAuthenticate); err != nil {
		t.Fatalf("parse challenge: %v", err)
	}
	authz, err := client.Authorize("DESCRIBE", req.URI, "alice", "secret")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	req2 := &message.Message{IsRequest: true, Method: "DESCRIBE", URI: "rtsp://host/room1", CSeq: 2, CSeqMethod: "DESCRIBE", Authorization: authz}
	resp2, err := s.HandleRequest(context.Background(), req2)
	if err != nil {
		t.Fatalf("unexpected error on authenticated DESCRIBE: %v", err)
	}
	if resp2.StatusCode != 200 {
		t.Fatalf("expected 200 after valid credentials, got %d", resp2.StatusCode)
	}
	if s.State() != StateDescribe {
		t.Fatalf("expected Describe state, got %s", s.State())
	}
}

func TestHandleRequestDescribeRejectsWrongPassword(t *testing.T) {
	s, _, conf := newServerSession(t)
	s.Auth = AuthConfig{Username: "alice", Password: "secret"}

	req := &message.Message{IsRequest: true, Method: "DESCRIBE", URI: "rtsp://host/room1", CSeq: 1, CSeqMethod: "DESCRIBE"}
	resp, _ := s.HandleRequest(context.Background(), req)

	var client auth.ClientState
	if err := client.ParseChallenge(resp.WWWAuthenticate); err != nil {
		t.Fatalf("parse challenge: %v", err)
	}
	authz, err := client.Authorize("DESCRIBE", req.URI, "alice", "wrong")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	req2 := &message.Message{IsRequest: true, Method: "DESCRIBE", URI: "rtsp://host/room1", CSeq: 2, CSeqMethod: "DESCRIBE", Authorization: authz}
	resp2, err := s.HandleRequest(context.Background(), req2)
	if err == nil {
		t.Fatal("expected an error for bad credentials")
	}
	if resp2.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp2.StatusCode)
	}
	if s.State() != StateTornDown {
		t.Fatalf("expected session torn down after bad credentials, got %s", s.State())
	}
	if len(conf.left) != 0 {
		t.Fatalf("session never joined a room, Leave should not fire: %v", conf.left)
	}
}

func TestHandleRequestPlayBeforeSetupReturns455(t *testing.T) {
	s, _, _ := newServerSession(t)

	describe := &message.Message{IsRequest: true, Method: "DESCRIBE", URI: "rtsp://host/room1", CSeq: 1, CSeqMethod: "DESCRIBE"}
	if _, err := s.HandleRequest(context.Background(), describe); err != nil {
		t.Fatalf("describe: %v", err)
	}

	play := &message.Message{IsRequest: true, Method: "PLAY", URI: "rtsp://host/room1", CSeq: 2, CSeqMethod: "PLAY"}
	resp, err := s.HandleRequest(context.Background(), play)
	if err == nil {
		t.Fatal("expected a StateError for out-of-order PLAY")
	}
	var stateErr *StateError
	if !errorsAs(err, &stateErr) {
		t.Fatalf("expected *StateError, got %T: %v", err, err)
	}
	if resp.StatusCode != 455 {
		t.Fatalf("expected 455, got %d", resp.StatusCode)
	}
	if s.State() != StateDescribe {
		t.Fatalf("out-of-order PLAY must not terminate the session, got %s", s.State())
	}
}

func errorsAs(err error, target **StateError) bool {
	se, ok := err.(*StateError)
	if !ok {
		return false
	}
	*target = se
	return true
}

func TestHandleRequestTeardownWhilePlayingLeavesConference(t *testing.T) {
	s, _, conf := newServerSession(t)

	ctx := context.Background()
	describe := &message.Message{IsRequest: true, Method: "DESCRIBE", URI: "rtsp://host/room1", CSeq: 1, CSeqMethod: "DESCRIBE"}
	if _, err := s.HandleRequest(ctx, describe); err != nil {
		t.Fatalf("describe: %v", err)
	}

	setup := &message.Message{
		IsRequest: true, Method: "SETUP", URI: "rtsp://host/room1/audio", CSeq: 2, CSeqMethod: "SETUP",
		Transport: "RTP/AVP;unicast;client_port=5000-5001",
	}
	setupResp, err := s.HandleRequest(ctx, setup)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if setupResp.StatusCode != 200 {
		t.Fatalf("expected 200 from SETUP, got %d", setupResp.StatusCode)
	}

	play := &message.Message{IsRequest: true, Method: "PLAY", URI: "rtsp://host/room1", CSeq: 3, CSeqMethod: "PLAY", Session: setupResp.Session}
	playResp, err := s.HandleRequest(ctx, play)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if playResp.StatusCode != 200 {
		t.Fatalf("expected 200 from PLAY, got %d", playResp.StatusCode)
	}
	if s.State() != StatePlaying {
		t.Fatalf("expected Playing, got %s", s.State())
	}
	if len(conf.joined) != 1 {
		t.Fatalf("expected one conference Join, got %v", conf.joined)
	}

	teardown := &message.Message{IsRequest: true, Method: "TEARDOWN", URI: "rtsp://host/room1", CSeq: 4, CSeqMethod: "TEARDOWN", Session: setupResp.Session}
	teardownResp, err := s.HandleRequest(ctx, teardown)
	if err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if teardownResp.StatusCode != 200 {
		t.Fatalf("expected 200 from TEARDOWN, got %d", teardownResp.StatusCode)
	}
	if s.State() != StateTornDown {
		t.Fatalf("expected TornDown, got %s", s.State())
	}
	if len(conf.left) != 1 {
		t.Fatalf("expected conference Leave to fire once, got %v", conf.left)
	}
}

func newClientSession(t *testing.T) (*Session, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	s := New(Outbound, "", sender, nil, nil)
	s.LocalCaps = audioCaps()
	s.RemoteURI = "rtsp://peer/room1"
	s.AudioLocalPort = 7000
	s.Auth = AuthConfig{Username: "bob", Password: "hunter2"}
	return s, sender
}

func TestClientDescribeRetriesOnceAfterChallenge(t *testing.T) {
	s, sender := newClientSession(t)
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one DESCRIBE sent, got %d", len(sender.sent))
	}
	if !strings.Contains(string(sender.sent[0]), "Accept: application/sdp") {
		t.Fatalf("expected Accept header on DESCRIBE:\n%s", sender.sent[0])
	}

	challenge, err := auth.NewChallenge("openmcu-ru")
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	resp401 := &message.Message{StatusCode: 401, WWWAuthenticate: challenge.Header(), CSeq: 1, CSeqMethod: "DESCRIBE"}
	if err := s.HandleResponse(ctx, resp401); err != nil {
		t.Fatalf("handle 401: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected a retried DESCRIBE, got %d sends", len(sender.sent))
	}
	if s.State() != StateDescribe {
		t.Fatalf("expected to remain in Describe after retry, got %s", s.State())
	}

	sdpBody, err := sdp.BuildSDP("rtsp://peer/room1", []sdp.LocalMedia{
		{Kind: sdp.Audio, PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	})
	if err != nil {
		t.Fatalf("build sdp: %v", err)
	}
	resp200 := &message.Message{StatusCode: 200, ContentType: "application/sdp", Payload: sdpBody, CSeq: 2, CSeqMethod: "DESCRIBE"}
	if err := s.HandleResponse(ctx, resp200); err != nil {
		t.Fatalf("handle 200 describe: %v", err)
	}
	if s.State() != StateSetupAudio {
		t.Fatalf("expected SetupAudio after matching codec, got %s", s.State())
	}
	if len(sender.sent) != 3 {
		t.Fatalf("expected SETUP to be sent, got %d sends", len(sender.sent))
	}

	setupResp := &message.Message{StatusCode: 200, Session: "abc123", Transport: "RTP/AVP;unicast;source=10.0.0.1;server_port=6000-6001", CSeq: 3, CSeqMethod: "SETUP"}
	if err := s.HandleResponse(ctx, setupResp); err != nil {
		t.Fatalf("handle setup response: %v", err)
	}
	if s.State() != StatePlay {
		t.Fatalf("expected Play after sole audio SETUP, got %s", s.State())
	}
	if s.SessionStr != "abc123" {
		t.Fatalf("expected session to adopt the server-assigned token, got %q", s.SessionStr)
	}

	playResp := &message.Message{StatusCode: 200, CSeq: 4, CSeqMethod: "PLAY"}
	if err := s.HandleResponse(ctx, playResp); err != nil {
		t.Fatalf("handle play response: %v", err)
	}
	if s.State() != StatePlaying {
		t.Fatalf("expected Playing, got %s", s.State())
	}
	if !strings.Contains(string(sender.sent[3]), "Session: abc123") {
		t.Fatalf("expected PLAY to carry the server-assigned Session:\n%s", sender.sent[3])
	}
}

func TestClientDescribeAbortsOnSecondChallenge(t *testing.T) {
	s, _ := newClientSession(t)
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	challenge, err := auth.NewChallenge("openmcu-ru")
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	resp401 := &message.Message{StatusCode: 401, WWWAuthenticate: challenge.Header(), CSeq: 1, CSeqMethod: "DESCRIBE"}
	if err := s.HandleResponse(ctx, resp401); err != nil {
		t.Fatalf("handle first 401: %v", err)
	}

	resp401Again := &message.Message{StatusCode: 401, WWWAuthenticate: challenge.Header(), CSeq: 2, CSeqMethod: "DESCRIBE"}
	if err := s.HandleResponse(ctx, resp401Again); err == nil {
		t.Fatal("expected an error on a second consecutive 401")
	}
	if s.State() != StateTornDown {
		t.Fatalf("expected session to abort to TornDown, got %s", s.State())
	}
}
