// Package dialer implements ClientDialer: the outbound-role
// counterpart to pkg/rtsp/manager, dialing a peer, constructing an
// Outbound *session.Session bound to a conference room, and driving
// it from None through Playing by feeding every framed response back
// into session.HandleResponse — the Go shape of rtsp.cxx's
// MCURtspConnection::Connect(room, address)/OnResponseReceived pair,
// reusing the teacher's sip/transport TCPTransport.Send dial path and
// handleConnection response-read loop.
package dialer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/message"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/metrics"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/sdp"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/session"
)

// Target describes what to dial and what to offer, the caller-filled
// equivalent of Connect(room, address)'s URL parsing plus the
// config-driven auth/codec lookups rtsp.cxx performs inline.
type Target struct {
	URL       string // rtsp://host[:port]/path
	Room      string
	Auth      session.AuthConfig
	LocalCaps sdp.CapabilitySet
	NatIP     string
}

// Call is one outbound RTSP dialog in progress: the dialed connection
// plus the Session driving it.
type Call struct {
	Session *session.Session

	conn      net.Conn
	done      chan struct{}
	closeOnce sync.Once
	metrics   *metrics.Collector
}

func connSender(conn net.Conn) session.Sender {
	return senderFunc(func(_ context.Context, data []byte) error {
		_, err := conn.Write(data)
		return err
	})
}

type senderFunc func(ctx context.Context, data []byte) error

func (f senderFunc) Send(ctx context.Context, data []byte) error { return f(ctx, data) }

// Dial connects to t.URL, builds an Outbound Session, sends the first
// DESCRIBE, and spawns a goroutine that feeds every subsequent framed
// response back into the session until Teardown or the connection
// closes.
// mc may be nil, in which case session-count/teardown-reason recording is a
// no-op (see metrics.Collector).
func Dial(ctx context.Context, t Target, conf session.ConferenceManager, logger *zerolog.Logger, mc *metrics.Collector) (*Call, error) {
	hostport, path, err := session.ParseTarget(t.URL)
	if err != nil {
		return nil, fmt.Errorf("dialer: %w", err)
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("dialer: dial %s: %w", hostport, err)
	}

	lg := logger
	if lg == nil {
		l := log.With().Str("component", "rtsp-dialer").Logger()
		lg = &l
	}

	sess := session.New(session.Outbound, "", connSender(conn), conf, lg)
	sess.RemoteURI = "rtsp://" + hostport + "/" + strings.TrimPrefix(path, "/")
	sess.LocalCaps = t.LocalCaps
	sess.Auth = t.Auth
	sess.Room = t.Room
	sess.MemberID = hostport
	sess.NatIP = t.NatIP

	if err := sess.Connect(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dialer: connect: %w", err)
	}

	call := &Call{Session: sess, conn: conn, done: make(chan struct{}), metrics: mc}
	mc.SessionStarted()
	go call.readLoop(ctx)
	return call, nil
}

func (c *Call) readLoop(ctx context.Context) {
	defer close(c.done)
	defer c.metrics.SessionEnded(c.Session.EndReason)
	reader := bufio.NewReader(c.conn)
	for {
		data, err := readFramedMessage(reader)
		if err != nil {
			return
		}
		resp, err := message.Parse(data)
		if err != nil {
			continue
		}
		if err := c.Session.HandleResponse(ctx, resp); err != nil {
			return
		}
		if c.Session.State() == session.StateTornDown {
			return
		}
	}
}

// Wait blocks until the read loop exits (transport closed, a fatal
// error, or the session reached TornDown).
func (c *Call) Wait() {
	<-c.done
}

// Close tears the call down and closes the underlying connection.
func (c *Call) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Session.Teardown(ctx)
		c.conn.Close()
	})
	return err
}

// readFramedMessage mirrors pkg/rtsp/manager's reader: header lines up
// to the blank-line terminator, then exactly Content-Length body
// bytes.
func readFramedMessage(r *bufio.Reader) ([]byte, error) {
	var msg []byte
	contentLength := 0
	headersDone := false

	for !headersDone {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		msg = append(msg, line...)
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "" {
			headersDone = true
			continue
		}
		if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
			name := strings.TrimSpace(trimmed[:idx])
			if strings.EqualFold(name, "Content-Length") {
				if n, err := strconv.Atoi(strings.TrimSpace(trimmed[idx+1:])); err == nil {
					contentLength = n
				}
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		msg = append(msg, body...)
	}
	return msg, nil
}
