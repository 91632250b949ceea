// Package message implements the RTSP 1.0 wire codec: parsing a single
// framed request/response into a Message and serializing a Message back
// to bytes. Framing (finding message boundaries on the TCP stream) is
// the caller's responsibility; Parse expects exactly one message.
package message

import (
	"strconv"
	"strings"
)

// Header is a single unparsed header line, preserved in arrival order.
type Header struct {
	Name  string
	Value string
}

// Message is a parsed RTSP request or response. Request-line fields
// (Method, URI) and status-line fields (StatusCode, Reason) are
// mutually exclusive depending on IsRequest.
//
// The handful of headers the core cares about are promoted to typed
// fields; anything else rides along in Extra, in the order it was
// seen, so a proxy-ish round trip doesn't lose peer-specific headers.
type Message struct {
	IsRequest bool

	Method string
	URI    string

	StatusCode int
	Reason     string

	CSeq       int
	CSeqMethod string

	Date            string
	Session         string
	Transport       string
	ContentType     string
	Range           string
	CacheControl    string
	Public          string
	WWWAuthenticate string
	Authorization   string
	UserAgent       string
	Server          string

	Extra   []Header
	Payload []byte
}

// Get performs a case-insensitive lookup across both the typed fields
// and Extra, mirroring the "case-insensitive lookup" invariant in the
// data model regardless of which field a header happened to land in.
func (m *Message) Get(name string) (string, bool) {
	switch {
	case strings.EqualFold(name, "CSeq"):
		return m.cseqValue(), true
	case strings.EqualFold(name, "Date"):
		return m.Date, m.Date != ""
	case strings.EqualFold(name, "Session"):
		return m.Session, m.Session != ""
	case strings.EqualFold(name, "Transport"):
		return m.Transport, m.Transport != ""
	case strings.EqualFold(name, "Content-Type"):
		return m.ContentType, m.ContentType != ""
	case strings.EqualFold(name, "Content-Length"):
		return strconv.Itoa(len(m.Payload)), true
	case strings.EqualFold(name, "Range"):
		return m.Range, m.Range != ""
	case strings.EqualFold(name, "Cache-Control"):
		return m.CacheControl, m.CacheControl != ""
	case strings.EqualFold(name, "Public"):
		return m.Public, m.Public != ""
	case strings.EqualFold(name, "WWW-Authenticate"):
		return m.WWWAuthenticate, m.WWWAuthenticate != ""
	case strings.EqualFold(name, "Authorization"):
		return m.Authorization, m.Authorization != ""
	case strings.EqualFold(name, "User-Agent"):
		return m.UserAgent, m.UserAgent != ""
	case strings.EqualFold(name, "Server"):
		return m.Server, m.Server != ""
	}
	for _, h := range m.Extra {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func (m *Message) cseqValue() string {
	if m.CSeqMethod == "" {
		return strconv.Itoa(m.CSeq)
	}
	return strconv.Itoa(m.CSeq) + " " + m.CSeqMethod
}
