package message

import (
	"fmt"
	"strconv"
	"strings"
)

const crlf = "\r\n"

// canonicalHeaderOrder is the serialization order from the wire
// protocol spec: CSeq first, then Date/Session/Transport/..., then
// anything left in Extra, in the order it arrived.
var canonicalHeaderOrder = []string{
	"Date", "Session", "Transport", "Content-Type", "Content-Length",
	"Range", "Cache-Control", "Public", "WWW-Authenticate", "Authorization",
}

// Parse decodes one complete RTSP message. buf must hold exactly one
// message (headers, blank line, and a body matching Content-Length if
// any); framing across multiple reads is the Listener's job.
func Parse(buf []byte) (*Message, error) {
	raw := string(buf)

	headerBlock, body, ok := splitHeadersAndBody(raw)
	if !ok {
		// No blank-line separator: treat the whole buffer as headers,
		// no body. A request/response with no payload still parses.
		headerBlock, body = raw, ""
	}

	lines := splitLines(headerBlock)
	if len(lines) == 0 {
		return nil, newParseError(NotRtsp, "empty message")
	}

	m := &Message{}
	if err := parseStartLine(lines[0], m); err != nil {
		return nil, err
	}

	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}

	cseqNum, cseqMethod, found := extractCSeq(headers)
	if !found {
		return nil, newParseError(MissingCSeq, "CSeq header not present or empty")
	}
	m.CSeq = cseqNum
	m.CSeqMethod = cseqMethod

	contentLength := -1
	for _, h := range headers {
		switch {
		case strings.EqualFold(h.Name, "CSeq"):
			// consumed above
		case strings.EqualFold(h.Name, "Date"):
			m.Date = h.Value
		case strings.EqualFold(h.Name, "Session"):
			m.Session = stripSessionParams(h.Value)
		case strings.EqualFold(h.Name, "Transport"):
			m.Transport = h.Value
		case strings.EqualFold(h.Name, "Content-Type"):
			m.ContentType = h.Value
		case strings.EqualFold(h.Name, "Content-Length"):
			n, convErr := strconv.Atoi(strings.TrimSpace(h.Value))
			if convErr == nil {
				contentLength = n
			}
		case strings.EqualFold(h.Name, "Range"):
			m.Range = h.Value
		case strings.EqualFold(h.Name, "Cache-Control"):
			m.CacheControl = h.Value
		case strings.EqualFold(h.Name, "Public"):
			m.Public = h.Value
		case strings.EqualFold(h.Name, "WWW-Authenticate"):
			m.WWWAuthenticate = h.Value
		case strings.EqualFold(h.Name, "Authorization"):
			m.Authorization = h.Value
		case strings.EqualFold(h.Name, "User-Agent"):
			m.UserAgent = h.Value
		case strings.EqualFold(h.Name, "Server"):
			m.Server = h.Value
		default:
			m.Extra = append(m.Extra, h)
		}
	}

	if contentLength > 0 && len(body) == 0 {
		return nil, newParseError(EmptyPayload, "Content-Length > 0 but no payload present")
	}
	if contentLength >= 0 && contentLength <= len(body) {
		m.Payload = []byte(body[:contentLength])
	} else {
		m.Payload = []byte(body)
	}

	return m, nil
}

func splitHeadersAndBody(raw string) (headers, body string, ok bool) {
	if idx := strings.Index(raw, crlf+crlf); idx >= 0 {
		return raw[:idx], raw[idx+len(crlf+crlf):], true
	}
	if idx := strings.Index(raw, "\n\n"); idx >= 0 {
		return raw[:idx], raw[idx+2:], true
	}
	return raw, "", false
}

func splitLines(block string) []string {
	block = strings.ReplaceAll(block, "\r\n", "\n")
	return strings.Split(block, "\n")
}

func parseStartLine(line string, m *Message) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return newParseError(NotRtsp, "missing request/status line")
	}

	if strings.HasPrefix(line, "RTSP/1.0 ") {
		rest := strings.TrimPrefix(line, "RTSP/1.0 ")
		parts := strings.SplitN(rest, " ", 2)
		code, err := strconv.Atoi(parts[0])
		if err != nil {
			return newParseError(NotRtsp, "bad status code")
		}
		m.StatusCode = code
		if len(parts) == 2 {
			m.Reason = parts[1]
		}
		m.IsRequest = false
		return nil
	}

	fields := strings.Fields(line)
	if len(fields) == 3 && fields[2] == "RTSP/1.0" {
		m.IsRequest = true
		m.Method = fields[0]
		m.URI = fields[1]
		return nil
	}

	return newParseError(NotRtsp, fmt.Sprintf("neither request-line nor status-line: %q", line))
}

func parseHeaderLines(lines []string) ([]Header, error) {
	var headers []Header
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		// Normalize the common "Cseq:" misspelling to "CSeq:" so a
		// single case-insensitive check below finds it regardless of
		// how the peer cased it.
		if strings.EqualFold(name, "CSeq") {
			name = "CSeq"
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

// extractCSeq pulls the sequence number and (if present) method token
// out of the CSeq header value. A header with no method token after
// the number is synthesized with the placeholder "EMPTY", per the
// wire contract in the external interfaces section.
func extractCSeq(headers []Header) (seq int, method string, found bool) {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "CSeq") {
			continue
		}
		fields := strings.Fields(h.Value)
		if len(fields) == 0 {
			return 0, "", false
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, "", false
		}
		if len(fields) >= 2 {
			return n, fields[1], true
		}
		return n, "EMPTY", true
	}
	return 0, "", false
}

func stripSessionParams(value string) string {
	if idx := strings.Index(value, ";"); idx >= 0 {
		return strings.TrimSpace(value[:idx])
	}
	return value
}

// Serialize renders m as wire bytes: start line, headers in canonical
// order, a blank line, then the payload.
func Serialize(m *Message) []byte {
	var b strings.Builder

	if m.IsRequest {
		fmt.Fprintf(&b, "%s %s RTSP/1.0%s", m.Method, m.URI, crlf)
	} else {
		reason := m.Reason
		if reason == "" {
			reason = defaultReason(m.StatusCode)
		}
		fmt.Fprintf(&b, "RTSP/1.0 %d %s%s", m.StatusCode, reason, crlf)
	}

	fmt.Fprintf(&b, "CSeq: %s%s", m.cseqValue(), crlf)

	values := map[string]string{
		"Date":             m.Date,
		"Session":          m.Session,
		"Transport":        m.Transport,
		"Content-Type":     m.ContentType,
		"Content-Length":   strconv.Itoa(len(m.Payload)),
		"Range":            m.Range,
		"Cache-Control":    m.CacheControl,
		"Public":           m.Public,
		"WWW-Authenticate": m.WWWAuthenticate,
		"Authorization":    m.Authorization,
	}
	for _, name := range canonicalHeaderOrder {
		v := values[name]
		if v == "" && name != "Content-Length" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s%s", name, v, crlf)
	}

	if m.IsRequest {
		if m.UserAgent != "" {
			fmt.Fprintf(&b, "User-Agent: %s%s", m.UserAgent, crlf)
		}
	} else if m.Server != "" {
		fmt.Fprintf(&b, "Server: %s%s", m.Server, crlf)
	}

	for _, h := range m.Extra {
		fmt.Fprintf(&b, "%s: %s%s", h.Name, h.Value, crlf)
	}

	b.WriteString(crlf)
	b.Write(m.Payload)

	return []byte(b.String())
}

func defaultReason(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 454:
		return "Session Not Found"
	case 455:
		return "Method Not Valid in This State"
	case 505:
		return "RTSP Version not supported"
	default:
		return ""
	}
}
