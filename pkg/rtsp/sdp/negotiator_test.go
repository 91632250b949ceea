package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOffer = "v=0\r\n" +
	"o=- 123 123 IN IP4 10.0.0.5\r\n" +
	"s=room1\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 5000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=control:trackID=audio\r\n" +
	"m=video 5002 RTP/AVP 96\r\n" +
	"b=AS:256\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=fmtp:96 packetization-mode=1\r\n" +
	"a=control:trackID=video\r\n"

func TestParsePeerSDPExtractsBothMedia(t *testing.T) {
	caps, err := ParsePeerSDP([]byte(sampleOffer))
	require.NoError(t, err)
	require.Len(t, caps, 2)

	audio := caps[0]
	require.NotNil(t, audio)
	assert.Equal(t, Audio, audio.Kind)
	assert.Equal(t, "PCMU", audio.Name)
	assert.Equal(t, 8000, audio.ClockRate)
	assert.Equal(t, "10.0.0.5", audio.RemoteIP)
	assert.Equal(t, 5000, audio.RemotePort)
	assert.Equal(t, "trackID=audio", audio.Control)

	video := caps[96]
	require.NotNil(t, video)
	assert.Equal(t, Video, video.Kind)
	assert.Equal(t, "H264", video.Name)
	assert.Equal(t, 256, video.Bandwidth)
	assert.Equal(t, "packetization-mode=1", video.Fmtp)
}

func TestParsePeerSDPRejectsNonNumericPayloadType(t *testing.T) {
	bad := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=x\r\nt=0 0\r\nm=audio 5000 RTP/AVP banana\r\n"

	_, err := ParsePeerSDP([]byte(bad))
	require.Error(t, err)

	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, ErrMalformedSDP, ne.Code)
}

func TestParsePeerSDPNoMediaIsNoCompatibleCodec(t *testing.T) {
	empty := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=x\r\nt=0 0\r\n"

	_, err := ParsePeerSDP([]byte(empty))
	require.Error(t, err)

	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, ErrNoCompatibleCodec, ne.Code)
}

func TestBuildSDPRoundTripsThroughParsePeerSDP(t *testing.T) {
	medias := []LocalMedia{
		{Kind: Audio, PayloadType: 0, Name: "PCMU", ClockRate: 8000, LocalIP: "192.168.1.10", LocalPort: 6000, Control: "trackID=audio"},
		{Kind: Video, PayloadType: 96, Name: "H264", ClockRate: 90000, Fmtp: "packetization-mode=1", Bandwidth: 256, LocalPort: 6002, Control: "trackID=video"},
	}

	body, err := BuildSDP("rtsp://host/conf-room", medias)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "m=audio"))
	assert.True(t, strings.Contains(string(body), "m=video"))

	caps, err := ParsePeerSDP(body)
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, "PCMU", caps[0].Name)
	assert.Equal(t, "H264", caps[96].Name)
	assert.Equal(t, 256, caps[96].Bandwidth)
}

func TestBuildSDPRejectsEmptyMediaList(t *testing.T) {
	_, err := BuildSDP("rtsp://host/room", nil)
	require.Error(t, err)

	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, ErrNoCompatibleCodec, ne.Code)
}
