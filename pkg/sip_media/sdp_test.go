package sip_media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

const sdpHeader = "v=0\r\no=- 1 1 IN IP4 10.0.0.2\r\ns=-\r\nt=0 0\r\n"

func preparedMedia(t *testing.T, candidates ...mt.Candidate) *Media {
	t.Helper()
	m, _ := newTestMedia(t, mt.DirectionBidirectional)
	m.TakeLocalCodecs(localCodecs())
	for _, c := range candidates {
		m.TakeLocalCandidate(c)
	}
	m.LocalCandidatesPrepared()
	return m
}

func TestSelectCandidates(t *testing.T) {
	candidates := []mt.Candidate{
		{Component: 1, Address: "10.0.0.1", Port: 4000, Foundation: "1", Priority: 10},
		{Component: 1, Address: "10.0.0.2", Port: 4100, Foundation: "2", Priority: 5},
		{Component: 2, Address: "10.0.0.2", Port: 4200, Foundation: "2", Priority: 7},
		{Component: 2, Address: "10.0.0.1", Port: 4001, Foundation: "1", Priority: 1},
		{Component: 2, Address: "10.0.0.2", Port: 4300, Foundation: "2", Priority: 9},
	}

	rtp, rtcp := SelectCandidates(candidates)
	require.NotNil(t, rtp)
	require.NotNil(t, rtcp)
	assert.Equal(t, 4100, rtp.Port, "минимальный приоритет")
	assert.Equal(t, 4200, rtcp.Port, "та же foundation, минимальный приоритет")

	rtp, rtcp = SelectCandidates(candidates[2:])
	assert.Nil(t, rtp)
	assert.Nil(t, rtcp)
}

func TestGenerateSDP(t *testing.T) {
	t.Run("bidirectional offer with rtcp on another port", func(t *testing.T) {
		m := preparedMedia(t,
			mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000, Foundation: "1", Priority: 10},
			mt.Candidate{Component: 1, Address: "10.0.0.2", Port: 4100, Foundation: "2", Priority: 5},
			mt.Candidate{Component: 2, Address: "10.0.0.2", Port: 4200, Foundation: "2", Priority: 7},
		)

		want := "m=audio 4100 RTP/AVP 0 101\r\n" +
			"c=IN IP4 10.0.0.2\r\n" +
			"a=rtcp:4200\r\n" +
			"a=rtpmap:0 PCMU/8000\r\n" +
			"a=rtpmap:101 telephone-event/8000\r\n" +
			"a=fmtp:101 0-15\r\n"
		assert.Equal(t, want, m.GenerateSDP(true))
	})

	t.Run("adjacent rtcp port is omitted", func(t *testing.T) {
		m := preparedMedia(t,
			mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000},
			mt.Candidate{Component: 2, Address: "10.0.0.1", Port: 4001},
		)
		assert.NotContains(t, m.GenerateSDP(true), "a=rtcp")
	})

	t.Run("rtcp on another address", func(t *testing.T) {
		m := preparedMedia(t,
			mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000},
			mt.Candidate{Component: 2, Address: "10.0.0.9", Port: 4001},
		)
		assert.Contains(t, m.GenerateSDP(true), "a=rtcp:4001 IN IP4 10.0.0.9\r\n")
	})

	t.Run("answer uses negotiated direction", func(t *testing.T) {
		m := preparedMedia(t, mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000})
		require.NoError(t, m.SetRemoteMedia(remoteAudio("recvonly"), false))
		m.TakeLocalCodecs(localCodecs())

		assert.Contains(t, m.GenerateSDP(false), "a=sendonly\r\n")
		assert.NotContains(t, m.GenerateSDP(true), "a=sendonly", "в предложении запрошенное направление")
	})

	t.Run("hold is at most sendonly", func(t *testing.T) {
		m := preparedMedia(t, mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000})
		m.SetHoldRequested(true)
		assert.Contains(t, m.GenerateSDP(true), "a=sendonly\r\n")

		m.SetRequestedDirection(mt.DirectionNone)
		require.NoError(t, m.SetRemoteMedia(remoteAudio("sendonly"), true))
		assert.Contains(t, m.GenerateSDP(true), "a=inactive\r\n")
	})

	t.Run("IPv6 address", func(t *testing.T) {
		m := preparedMedia(t, mt.Candidate{Component: 1, Address: "2001:db8::1", Port: 4000})
		assert.Contains(t, m.GenerateSDP(true), "c=IN IP6 2001:db8::1\r\n")
	})

	t.Run("no candidates", func(t *testing.T) {
		m, _ := newTestMedia(t, mt.DirectionBidirectional)
		m.TakeLocalCodecs(localCodecs())
		out := m.GenerateSDP(true)
		assert.True(t, strings.HasPrefix(out, "m=audio 0 RTP/AVP 0 101\r\nc=IN IP4 0.0.0.0\r\n"))
	})

	t.Run("no codecs rejects the line", func(t *testing.T) {
		m, _ := newTestMedia(t, mt.DirectionBidirectional)
		m.TakeLocalCandidate(mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000})
		m.LocalCandidatesPrepared()

		out := m.GenerateSDP(true)
		assert.True(t, strings.HasPrefix(out, "m=audio 0 RTP/AVP 0\r\n"), out)
		assert.NotContains(t, out, " \r\n", "без пробела в конце строки")

		remote := remoteAudio("")
		remote.RTPMaps = []RTPMap{{PayloadType: 8, EncodingName: "PCMA", ClockRate: 8000, Channels: 1}}
		require.NoError(t, m.SetRemoteMedia(remote, false))

		md := m.MediaDescription(false)
		assert.Equal(t, 0, md.MediaName.Port.Value)
		assert.Equal(t, []string{"8"}, md.MediaName.Formats, "формат из удаленного описания")
		assert.True(t, strings.HasPrefix(m.GenerateSDP(false), "m=audio 0 RTP/AVP 8\r\n"))
	})

	t.Run("generated block parses back", func(t *testing.T) {
		m := preparedMedia(t,
			mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000},
			mt.Candidate{Component: 2, Address: "10.0.0.1", Port: 4500},
		)
		remote, err := ParseRemoteSession([]byte(sdpHeader + m.GenerateSDP(true)))
		require.NoError(t, err)
		require.Len(t, remote.Media, 1)

		d := remote.Media[0]
		assert.Equal(t, mt.MediaTypeAudio, d.Type)
		assert.Equal(t, 4000, d.Port)
		assert.Equal(t, "10.0.0.1", d.Connection.Address)
		require.Len(t, d.RTPMaps, 2)
		assert.Equal(t, "telephone-event", d.RTPMaps[1].EncodingName)
		assert.Equal(t, "0-15", d.RTPMaps[1].Fmtp)

		rtcp, ok := d.Attribute("rtcp")
		require.True(t, ok)
		assert.Equal(t, "4500", rtcp)
	})
}

func TestParseRemoteSession(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 198.51.100.7\r\ns=-\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"b=RS:0\r\n" +
		"b=RR:0\r\n" +
		"t=0 0\r\n" +
		"a=sendonly\r\n" +
		"a=ptime:20\r\n" +
		"m=audio 49170 RTP/AVP 8 96\r\n" +
		"a=rtpmap:96 opus/48000/2\r\n" +
		"a=fmtp:96 minptime=10;useinbandfec=1\r\n" +
		"m=video 0 RTP/AVP 31\r\n" +
		"m=audio 49180 RTP/AVP 0\r\n" +
		"c=IN IP4 198.51.100.8\r\n" +
		"a=recvonly\r\n"

	remote, err := ParseRemoteSession([]byte(body))
	require.NoError(t, err)
	require.Len(t, remote.Media, 3)

	ptime, ok := remote.Attribute("ptime")
	require.True(t, ok)
	assert.Equal(t, "20", ptime)
	assert.True(t, RTCPThrottled(nil, remote.Bandwidths))

	audio := remote.Media[0]
	assert.Equal(t, "RTP/AVP", audio.Proto)
	assert.Equal(t, "198.51.100.7", audio.Connection.Address, "адрес сессии наследуется")
	assert.Equal(t, mt.DirectionReceive, DirectionFromRemoteMedia(audio), "режим сессии наследуется")
	require.Len(t, audio.RTPMaps, 2)
	assert.Equal(t, RTPMap{PayloadType: 8, EncodingName: "PCMA", ClockRate: 8000, Channels: 1}, audio.RTPMaps[0])
	assert.Equal(t, RTPMap{PayloadType: 96, EncodingName: "opus", ClockRate: 48000, Channels: 2, Fmtp: "minptime=10;useinbandfec=1"}, audio.RTPMaps[1])

	video := remote.Media[1]
	assert.True(t, video.Rejected)
	assert.Equal(t, mt.MediaTypeVideo, video.Type)

	second := remote.Media[2]
	assert.Equal(t, "198.51.100.8", second.Connection.Address)
	assert.Equal(t, mt.DirectionSend, DirectionFromRemoteMedia(second))

	t.Run("malformed body", func(t *testing.T) {
		_, err := ParseRemoteSession([]byte("garbage"))
		require.Error(t, err)
		var negErr *NegotiationError
		require.ErrorAs(t, err, &negErr)
		assert.Equal(t, ErrorCodeRemoteSDPParsing, negErr.Code)
	})
}

func TestRTCPThrottled(t *testing.T) {
	zero := []Bandwidth{{Type: "RS", Value: 0}, {Type: "RR", Value: 0}}
	assert.True(t, RTCPThrottled(zero, nil))
	assert.False(t, RTCPThrottled([]Bandwidth{{Type: "RS", Value: 0}}, nil), "нужны обе полосы")
	assert.False(t, RTCPThrottled([]Bandwidth{{Type: "RR", Value: 800}}, zero), "полоса медиа важнее")
	assert.False(t, RTCPThrottled(nil, nil))
}
