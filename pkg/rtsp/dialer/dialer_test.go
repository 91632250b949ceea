package dialer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/sdp"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/session"
)

type noopConference struct{}

func (noopConference) Join(room, memberID, label string) error { return nil }
func (noopConference) Leave(memberID string) error              { return nil }

func readRequestLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read line: %v", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			continue
		}
		return line
	}
}

func drainHeaders(t *testing.T, r *bufio.Reader) {
	t.Helper()
	collectHeaders(t, r)
}

// collectHeaders reads header lines up to the blank-line terminator and
// returns them keyed by name, so a test can assert on a specific header
// (e.g. Session) of an outbound request.
func collectHeaders(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return headers
		}
		if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
			headers[strings.TrimSpace(trimmed[:idx])] = strings.TrimSpace(trimmed[idx+1:])
		}
	}
}

func TestDialDrivesDescribeSetupPlayToPlaying(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	sdpBody, err := sdp.BuildSDP("rtsp://peer/room1", []sdp.LocalMedia{
		{Kind: sdp.Audio, PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	})
	if err != nil {
		t.Fatalf("build sdp: %v", err)
	}

	serverDone := make(chan struct{})
	var playHeaderErr error
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		readRequestLine(t, r) // DESCRIBE
		drainHeaders(t, r)
		conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\nContent-Type: application/sdp\r\nContent-Length: " +
			strconv.Itoa(len(sdpBody)) + "\r\n\r\n" + string(sdpBody)))

		readRequestLine(t, r) // SETUP
		drainHeaders(t, r)
		conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 2\r\nSession: abc123\r\nTransport: RTP/AVP;unicast;source=127.0.0.1;server_port=6000-6001\r\n\r\n"))

		readRequestLine(t, r) // PLAY
		playHeaders := collectHeaders(t, r)
		if got := playHeaders["Session"]; got != "abc123" {
			playHeaderErr = fmt.Errorf("expected PLAY to carry the server-assigned Session abc123, got %q", got)
		}
		conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 3\r\nSession: abc123\r\n\r\n"))
	}()

	caps := sdp.CapabilitySet{0: {Name: "PCMU", Kind: sdp.Audio, PayloadType: 0, ClockRate: 8000}}
	target := Target{
		URL:       "rtsp://" + ln.Addr().String() + "/room1",
		Room:      "room1",
		LocalCaps: caps,
	}

	ctx := context.Background()
	call, err := Dial(ctx, target, noopConference{}, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for call.Session.State() != session.StatePlaying {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Playing, stuck at %s", call.Session.State())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	<-serverDone
	if playHeaderErr != nil {
		t.Fatal(playHeaderErr)
	}
	if call.Session.SessionStr != "abc123" {
		t.Fatalf("expected session to adopt the server-assigned token, got %q", call.Session.SessionStr)
	}
}
