// Package manager implements SessionManager: the server-role TCP
// listener set that accepts inbound RTSP connections, admits or
// rejects them by URI/policy, and tracks the live session table
// keyed by callToken — generalizing the teacher's sip/transport TCP
// accept loop (tcp.go's acceptLoop/handleConnection) to this module's
// own RTSP framing and the admission checks
// rtsp.cxx's CreateConnection performs before constructing a
// connection.
package manager

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

// RoomConfig is what a PathPolicy resolves a request path to: enough
// to bind a freshly admitted Session to a room and its codec offer.
type RoomConfig struct {
	Room       string
	Auth       session.AuthConfig
	LocalCaps  sdp.CapabilitySet
}

// PathPolicy decides whether a request path names an enabled RTSP
// room, mirroring rtsp.cxx's "RTSP Server <path>/Enable" config
// lookup without binding this package to any one config format.
type PathPolicy interface {
	Resolve(path string) (RoomConfig, bool)
}

// Manager owns a set of TCP listeners and the live inbound session
// table, keyed by callToken (the peer address, per the original's
// callToken = socket->GetAddress() convention).
type Manager struct {
	mu        sync.Mutex
	listeners map[string]*boundListener
	sessions  map[string]*session.Session

	policy  PathPolicy
	conf    session.ConferenceManager
	ports   *PortAllocator
	natIP   string
	metrics *metrics.Collector
	log     zerolog.Logger
}

type boundListener struct {
	addr       string // the address as requested (for RemoveListener/Addr lookups)
	actualAddr string // the listener's actual bound address, for port dedup
	ln         net.Listener
}

// New builds a Manager bound to policy and conf, allocating RTP ports from
// the default range unless overridden with SetPortRange. mc may be nil, in
// which case session-count/auth-failure/teardown-reason recording is a
// no-op (see metrics.Collector).
func New(policy PathPolicy, conf session.ConferenceManager, natIP string, mc *metrics.Collector) (*Manager, error) {
	ports, err := NewPortAllocator(DefaultPortRange)
	if err != nil {
		return nil, err
	}
	return &Manager{
		listeners: make(map[string]*boundListener),
		sessions:  make(map[string]*session.Session),
		policy:    policy,
		conf:      conf,
		ports:     ports,
		natIP:     natIP,
		metrics:   mc,
		log:       log.With().Str("component", "rtsp-manager").Logger(),
	}, nil
}

// SetPortRange replaces the RTP port pool; callers do this once at
// startup before AddListener spawns any accept loops.
func (m *Manager) SetPortRange(r PortRange) error {
	ports, err := NewPortAllocator(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports = ports
	return nil
}

// HasListener reports whether addr is already covered by a running
// listener: same port, and either an exact host match, an existing
// 0.0.0.0 bind (which already covers every local host), or a requested
// 0.0.0.0 bind on a port some listener already uses, matching the
// original AddListener's "already listening" dedup.
func (m *Manager) HasListener(addr string) bool {
	host, port, err := splitListenerAddr(addr)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bl := range m.listeners {
		bHost, bPort, err := splitListenerAddr(bl.actualAddr)
		if err != nil {
			continue
		}
		if bPort != port {
			continue
		}
		if bHost == host || bHost == "0.0.0.0" || host == "0.0.0.0" {
			return true
		}
	}
	return false
}

// AddListener parses addr ("tcp:host:port" or bare "host:port"),
// validates the host is either the wildcard or a local interface
// address, and starts an accept loop — the Go equivalent of the
// original's AddListener host/port sanity checks before calling
// MCUListener::Create.
func (m *Manager) AddListener(addr string) error {
	raw := strings.TrimPrefix(addr, "tcp:")
	host, port, err := splitListenerAddr(raw)
	if err != nil {
		return fmt.Errorf("manager: add listener: %w", err)
	}
	if host != "" && host != "0.0.0.0" {
		if !isLocalHost(host) {
			return fmt.Errorf("manager: add listener: host %q is not a local address", host)
		}
	}
	if m.HasListener(raw) {
		m.log.Info().Str("addr", raw).Msg("listener already covers this bind, skipping")
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("manager: listen %s: %w", raw, err)
	}

	m.mu.Lock()
	m.listeners[raw] = &boundListener{addr: raw, actualAddr: ln.Addr().String(), ln: ln}
	m.mu.Unlock()

	go m.acceptLoop(raw, ln)
	m.log.Info().Str("addr", raw).Msg("listening for inbound RTSP connections")
	return nil
}

// Addr returns the actual bound address of a listener added via
// AddListener, useful when addr requested an ephemeral port (":0").
func (m *Manager) Addr(addr string) (net.Addr, error) {
	raw := strings.TrimPrefix(addr, "tcp:")
	m.mu.Lock()
	defer m.mu.Unlock()
	bl, ok := m.listeners[raw]
	if !ok {
		return nil, fmt.Errorf("manager: no listener bound to %s", raw)
	}
	return bl.ln.Addr(), nil
}

// RemoveListener stops and forgets a previously added listener.
func (m *Manager) RemoveListener(addr string) error {
	raw := strings.TrimPrefix(addr, "tcp:")
	m.mu.Lock()
	bl, ok := m.listeners[raw]
	if ok {
		delete(m.listeners, raw)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: no listener bound to %s", raw)
	}
	return bl.ln.Close()
}

func splitListenerAddr(addr string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	portNum, err := strconv.Atoi(p)
	if err != nil || portNum < 0 || portNum > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return h, portNum, nil
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func (m *Manager) acceptLoop(addr string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			m.log.Info().Str("addr", addr).Err(err).Msg("accept loop ending")
			return
		}
		go m.handleConn(conn)
	}
}

// connSender adapts a net.Conn to session.Sender.
type connSender struct {
	conn net.Conn
}

func (c *connSender) Send(_ context.Context, data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

// handleConn reads one RTSP message, admits or rejects the connection
// per CreateConnection's checks, and — once admitted — dispatches
// every subsequent framed message on the connection through the new
// Session's HandleRequest, the way handleConnection's per-message loop
// drives t.messageHandler.
func (m *Manager) handleConn(conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	data, err := readFramedMessage(reader)
	if err != nil {
		return
	}
	req, err := message.Parse(data)
	if err != nil {
		writeErrorResponse(conn, 0, "", 400, "Bad Request")
		return
	}

	m.mu.Lock()
	if _, exists := m.sessions[peer]; exists {
		m.mu.Unlock()
		writeErrorResponse(conn, req.CSeq, req.CSeqMethod, 454, "Session Not Found")
		return
	}
	m.mu.Unlock()

	if strings.Contains(req.UserAgent, "RealMedia") {
		writeErrorResponse(conn, req.CSeq, req.CSeqMethod, 505, "RTSP Version not supported")
		return
	}
	if req.Method != "OPTIONS" && req.Method != "DESCRIBE" {
		writeErrorResponse(conn, req.CSeq, req.CSeqMethod, 455, "Method Not Valid in This State")
		return
	}

	path := pathFromURI(req.URI)
	cfg, ok := m.policy.Resolve(path)
	if !ok {
		writeErrorResponse(conn, req.CSeq, req.CSeqMethod, 404, "Not Found")
		return
	}

	sess, err := m.admit(peer, conn, cfg)
	if err != nil {
		writeErrorResponse(conn, req.CSeq, req.CSeqMethod, 400, "Bad Request")
		return
	}
	defer m.release(peer, sess)

	ctx := context.Background()
	resp, err := sess.HandleRequest(ctx, req)
	if resp != nil {
		conn.Write(message.Serialize(resp))
	}
	m.recordAuthOutcome(req, resp)
	if err != nil && resp == nil {
		return
	}

	for {
		data, err := readFramedMessage(reader)
		if err != nil {
			return
		}
		req, err := message.Parse(data)
		if err != nil {
			continue
		}
		resp, _ := sess.HandleRequest(ctx, req)
		if resp != nil {
			conn.Write(message.Serialize(resp))
		}
		m.recordAuthOutcome(req, resp)
		if sess.State() == session.StateTornDown {
			return
		}
	}
}

// recordAuthOutcome increments the digest-auth-failure counter for a
// DESCRIBE rejected with 403, matching handleDescribe's
// clearCallLocked(ctx, EndedByRefusal) branch on a failed Verify.
func (m *Manager) recordAuthOutcome(req *message.Message, resp *message.Message) {
	if req.Method == "DESCRIBE" && resp != nil && resp.StatusCode == 403 {
		m.metrics.AuthFailure()
	}
}

func (m *Manager) admit(peer string, conn net.Conn, cfg RoomConfig) (*session.Session, error) {
	audioPort, _, err := m.ports.AllocatePair()
	if err != nil {
		return nil, err
	}
	var videoPort int
	if hasVideo(cfg.LocalCaps) {
		videoPort, _, err = m.ports.AllocatePair()
		if err != nil {
			m.ports.Release(audioPort, audioPort+1)
			return nil, err
		}
	}

	logger := m.log.With().Str("peer", peer).Logger()
	sess := session.New(session.Inbound, peer, &connSender{conn: conn}, m.conf, &logger)
	sess.LocalCaps = cfg.LocalCaps
	sess.Auth = cfg.Auth
	sess.Room = cfg.Room
	sess.NatIP = m.natIP
	sess.AudioLocalPort = audioPort
	if videoPort != 0 {
		sess.VideoLocalPort = videoPort
	}

	m.mu.Lock()
	m.sessions[peer] = sess
	m.mu.Unlock()
	m.metrics.SessionStarted()
	return sess, nil
}

func (m *Manager) release(peer string, sess *session.Session) {
	m.mu.Lock()
	delete(m.sessions, peer)
	m.mu.Unlock()
	m.metrics.SessionEnded(sess.EndReason)
	if sess.AudioLocalPort != 0 {
		m.ports.Release(sess.AudioLocalPort, sess.AudioLocalPort+1)
	}
	if sess.VideoLocalPort != 0 {
		m.ports.Release(sess.VideoLocalPort, sess.VideoLocalPort+1)
	}
}

func hasVideo(caps sdp.CapabilitySet) bool {
	for _, e := range caps {
		if e.Kind == sdp.Video {
			return true
		}
	}
	return false
}

func pathFromURI(uri string) string {
	trimmed := strings.TrimPrefix(uri, "rtsp://")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return ""
	}
	return strings.Trim(trimmed[idx+1:], "/")
}

func writeErrorResponse(conn net.Conn, cseq int, cseqMethod string, code int, reason string) {
	resp := &message.Message{StatusCode: code, Reason: reason, CSeq: cseq, CSeqMethod: cseqMethod, Public: "OPTIONS, DESCRIBE, SETUP, TEARDOWN, PLAY"}
	conn.Write(message.Serialize(resp))
}

// readFramedMessage reads one RTSP request/response off the stream:
// header lines up to the blank-line terminator, then exactly
// Content-Length body bytes, adapted from the teacher's
// sip/transport.readSIPMessage for RTSP's identical header framing.
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
