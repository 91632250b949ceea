package sdp

import (
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// LocalMedia describes one codec this core is willing to offer for a
// media kind, used both to build an outbound DESCRIBE response and to
// match an inbound offer against what's locally configured.
type LocalMedia struct {
	Kind       MediaKind
	PayloadType PayloadType
	Name       string
	ClockRate  int
	Params     string // e.g. channel count for audio
	Fmtp       string

	Bandwidth int
	Width     int
	Height    int
	FrameRate int

	LocalIP   string
	LocalPort int
	Control   string // relative control path, e.g. "trackID=audio"
}

// ParsePeerSDP parses a peer's SDP body (an inbound offer on the
// server side, or an inbound answer on the client side) and returns
// one CapabilityEntry per m= section, keyed by the first payload type
// listed, per the glossary's "first listed wins" rule. c= is read
// media-level first, falling back to the session level; b=AS: is read
// from the media level only.
func ParsePeerSDP(body []byte) (CapabilitySet, error) {
	var desc psdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, newErr(ErrMalformedSDP, "unmarshal: %v", err)
	}

	out := make(CapabilitySet)
	for _, media := range desc.MediaDescriptions {
		entry, err := mediaToEntry(&desc, media)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		out[entry.PayloadType] = entry
	}

	if len(out) == 0 {
		return nil, newErr(ErrNoCompatibleCodec, "no usable m= section in peer SDP")
	}
	return out, nil
}

func mediaToEntry(desc *psdp.SessionDescription, media *psdp.MediaDescription) (*CapabilityEntry, error) {
	var kind MediaKind
	switch media.MediaName.Media {
	case "audio":
		kind = Audio
	case "video":
		kind = Video
	default:
		return nil, nil
	}

	if len(media.MediaName.Formats) == 0 {
		return nil, newErr(ErrMalformedSDP, "%s m= line carries no payload type", media.MediaName.Media)
	}
	ptVal, err := strconv.Atoi(media.MediaName.Formats[0])
	if err != nil {
		return nil, newErr(ErrMalformedSDP, "%s payload type %q is not numeric", media.MediaName.Media, media.MediaName.Formats[0])
	}
	entry := &CapabilityEntry{
		Kind:        kind,
		PayloadType: PayloadType(ptVal),
	}

	conn := media.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn != nil && conn.Address != nil {
		entry.RemoteIP = conn.Address.Address
	}
	entry.RemotePort = media.MediaName.Port.Value

	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap":
			name, clockRate, params := parseRtpmap(attr.Value)
			entry.Name = name
			entry.ClockRate = clockRate
			entry.Params = params
		case "fmtp":
			entry.Fmtp = attr.Value
		case "control":
			entry.Control, err = resolveControl(attr.Value)
			if err != nil {
				return nil, err
			}
		}
	}

	for _, bw := range media.Bandwidth {
		if strings.EqualFold(bw.Type, "AS") {
			entry.Bandwidth = int(bw.Bandwidth)
		}
	}

	return entry, nil
}

// parseRtpmap splits "<payload> <name>/<clockrate>[/<params>]" as found
// in the a=rtpmap: value (pion leaves the payload-type prefix in Value,
// so it's skipped here).
func parseRtpmap(value string) (name string, clockRate int, params string) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return "", 0, ""
	}
	parts := strings.Split(fields[1], "/")
	name = parts[0]
	if len(parts) > 1 {
		clockRate, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		params = parts[2]
	}
	return name, clockRate, params
}

// resolveControl rejects an empty control attribute with
// ErrBadControlAttr; any non-empty value, relative or absolute, is
// returned trimmed and is not otherwise validated.
func resolveControl(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", newErr(ErrBadControlAttr, "empty a=control: attribute")
	}
	return value, nil
}

// BuildSDP renders the local media set into the DESCRIBE-response SDP
// body, following the fixed session-level layout OnRequestDescribe
// composes by hand (v=0/o=-.../s=Unnamed/i=N/A/c=IN IP4 0.0.0.0/t=0
// 0/a=recvonly/a=type:unicast/a=charset:UTF-8/a=control:<localURI>)
// with one m= section per LocalMedia, port always advertised as 0
// (the actual RTP port is negotiated later via Transport, not SDP),
// and a=control:<localURI>/audio or /video per section.
func BuildSDP(localURI string, medias []LocalMedia) ([]byte, error) {
	if len(medias) == 0 {
		return nil, newErr(ErrNoCompatibleCodec, "no local media to describe")
	}

	desc := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      fixedSessionID,
			SessionVersion: fixedSessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "OpenMCU-ru",
		},
		SessionName: "Unnamed",
		SessionInformation: sessionInformationPtr("N/A"),
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		Attributes: []psdp.Attribute{
			psdp.NewPropertyAttribute("recvonly"),
			psdp.NewAttribute("type", "unicast"),
			psdp.NewAttribute("charset", "UTF-8"),
			psdp.NewAttribute("control", localURI),
		},
	}

	for _, m := range medias {
		mediaDesc := &psdp.MediaDescription{
			MediaName: psdp.MediaName{
				Media:   m.Kind.String(),
				Port:    psdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{strconv.Itoa(int(m.PayloadType))},
			},
		}

		rtpmap := fmt.Sprintf("%d %s/%d", m.PayloadType, m.Name, m.ClockRate)
		if m.Kind == Audio && m.Params != "" {
			rtpmap += "/" + m.Params
		}

		switch m.Kind {
		case Audio:
			mediaDesc.Attributes = append(mediaDesc.Attributes,
				psdp.NewAttribute("rtpmap", rtpmap),
				psdp.NewAttribute("control", localURI+"/audio"))
		case Video:
			if m.Bandwidth > 0 {
				mediaDesc.Bandwidth = append(mediaDesc.Bandwidth, psdp.Bandwidth{Type: "AS", Bandwidth: uint64(m.Bandwidth)})
			}
			mediaDesc.Attributes = append(mediaDesc.Attributes,
				psdp.NewAttribute("rtpmap", rtpmap),
				psdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", m.PayloadType, m.Fmtp)),
				psdp.NewAttribute("control", localURI+"/video"))
		}

		desc.MediaDescriptions = append(desc.MediaDescriptions, mediaDesc)
	}

	return desc.Marshal()
}

// fixedSessionID mirrors the original's hardcoded o= session id/version
// (15516361289475271524): every DESCRIBE response from this process
// reuses the same numeric nonce, which is cosmetic per spec.md §4.2.
const fixedSessionID = 15516361289475271524

func sessionInformationPtr(s string) *psdp.Information {
	info := psdp.Information(s)
	return &info
}
