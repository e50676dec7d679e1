package sip_media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

type testOwner struct {
	rtcp     bool
	ptime    string
	maxptime string
}

func (o *testOwner) RTCPEnabled(*RemoteMediaDescription) bool { return o.rtcp }
func (o *testOwner) PTime() (string, string) { return o.ptime, o.maxptime }

type recorder struct {
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.events = nil
}

func remoteAudio(mode string) *RemoteMediaDescription {
	d := &RemoteMediaDescription{
		Type:       mt.MediaTypeAudio,
		TypeName:   "audio",
		Port:       5004,
		Proto:      "RTP/AVP",
		Connection: &Connection{AddressType: "IP4", Address: "192.0.2.10"},
		RTPMaps: []RTPMap{
			{PayloadType: 0, EncodingName: "PCMU", ClockRate: 8000, Channels: 1},
			{PayloadType: 101, EncodingName: "telephone-event", ClockRate: 8000, Channels: 1, Fmtp: "0-15"},
		},
	}
	if mode != "" {
		d.Attributes = append(d.Attributes, Attribute{Key: mode})
	}
	return d
}

func newTestMedia(t *testing.T, requested mt.Direction) (*Media, *recorder) {
	t.Helper()
	cfg := DefaultMediaConfig(mt.MediaTypeAudio)
	cfg.RequestedDirection = requested
	cfg.Owner = &testOwner{rtcp: true}
	m, err := NewMedia(cfg)
	require.NoError(t, err)
	rec := &recorder{}
	m.Subscribe(rec.handle)
	return m, rec
}

func localCodecs() []mt.Codec {
	return []mt.Codec{
		{PayloadType: 0, EncodingName: "PCMU", ClockRate: 8000, Channels: 1},
		{PayloadType: 101, EncodingName: "telephone-event", ClockRate: 8000, Channels: 1,
			Params: []mt.CodecParam{{Name: "events", Value: "0-15"}}},
	}
}

func TestSetRemoteMediaDirectionClamp(t *testing.T) {
	tests := []struct {
		name          string
		requested     mt.Direction
		hold          bool
		mode          string
		authoritative bool
		want          mt.Direction
	}{
		{"remote recvonly leaves send only", mt.DirectionBidirectional, false, "recvonly", false, mt.DirectionSend},
		{"remote sendonly leaves receive only", mt.DirectionBidirectional, false, "sendonly", false, mt.DirectionReceive},
		{"inactive", mt.DirectionBidirectional, false, "inactive", true, mt.DirectionNone},
		{"answer does not exceed requested direction", mt.DirectionReceive, false, "sendrecv", false, mt.DirectionReceive},
		{"authoritative description raises direction", mt.DirectionReceive, false, "sendrecv", true, mt.DirectionBidirectional},
		{"offer keeps local hold", mt.DirectionNone, true, "sendrecv", true, mt.DirectionSend},
		{"no attribute means bidirectional", mt.DirectionBidirectional, false, "", false, mt.DirectionBidirectional},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMedia(t, tt.requested)
			m.SetHoldRequested(tt.hold)
			require.NoError(t, m.SetRemoteMedia(remoteAudio(tt.mode), tt.authoritative))
			assert.Equal(t, tt.want, m.Direction())
		})
	}
}

func TestSetRemoteMediaRejection(t *testing.T) {
	tests := []struct {
		name   string
		modify func(d *RemoteMediaDescription)
		want   error
	}{
		{"zero port", func(d *RemoteMediaDescription) { d.Port = 0 }, ErrRemoteMediaRejected},
		{"rejected line", func(d *RemoteMediaDescription) { d.Rejected = true }, ErrRemoteMediaRejected},
		{"other profile", func(d *RemoteMediaDescription) { d.Proto = "RTP/SAVP" }, ErrRemoteProtoUnsupported},
		{"no address", func(d *RemoteMediaDescription) { d.Connection = nil }, ErrRemoteNoConnection},
		{"no codecs", func(d *RemoteMediaDescription) { d.RTPMaps = nil }, ErrRemoteNoCodecs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec := newTestMedia(t, mt.DirectionBidirectional)
			d := remoteAudio("")
			tt.modify(d)

			err := m.SetRemoteMedia(d, true)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.Same(t, d, m.RemoteMedia(), "описание запоминается")
			assert.Equal(t, mt.DirectionBidirectional, m.Direction(), "направление не меняется")
			assert.Empty(t, m.RemoteCodecs())
			assert.Empty(t, rec.events)
		})
	}

	t.Run("error keeps previously accepted state", func(t *testing.T) {
		m, _ := newTestMedia(t, mt.DirectionBidirectional)
		good := remoteAudio("recvonly")
		require.NoError(t, m.SetRemoteMedia(good, false))

		bad := remoteAudio("")
		bad.Port = 0
		require.Error(t, m.SetRemoteMedia(bad, false))
		assert.Same(t, bad, m.RemoteMedia())
		assert.Equal(t, mt.DirectionSend, m.Direction(), "направление не меняется")

		require.NoError(t, m.SetRemoteMedia(good, false))
		assert.Same(t, good, m.RemoteMedia())
		assert.Equal(t, mt.DirectionSend, m.Direction())
	})
}

func TestRemoteUpdateOrdering(t *testing.T) {
	t.Run("first description reports codecs then candidates", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
		assert.Equal(t, []EventType{EventRemoteCodecs}, rec.types())
		assert.True(t, m.IsCodecIntersectPending())
		require.Len(t, m.RemoteCodecOffer(), 2)

		telephone := rec.events[0].Codecs[1]
		v, ok := telephone.Param("events")
		require.True(t, ok)
		assert.Equal(t, "0-15", v)

		rec.reset()
		m.TakeLocalCodecs(localCodecs())
		assert.Equal(t, []EventType{EventCodecsIntersected, EventRemoteCandidates}, rec.types())
		assert.True(t, rec.events[0].Success)
		assert.Nil(t, m.RemoteCodecOffer())
		assert.False(t, m.IsCodecIntersectPending())

		cands := rec.events[1].Candidates
		require.Len(t, cands, 2)
		assert.Equal(t, mt.Candidate{Component: 1, Address: "192.0.2.10", Port: 5004}, cands[0])
		assert.Equal(t, mt.Candidate{Component: 2, Address: "192.0.2.10", Port: 5005}, cands[1])
	})

	t.Run("transport changed only", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
		m.TakeLocalCodecs(localCodecs())
		rec.reset()

		d := remoteAudio("")
		d.Port = 6000
		require.NoError(t, m.SetRemoteMedia(d, true))
		assert.Equal(t, []EventType{EventRemoteCandidates}, rec.types())
		assert.False(t, m.IsCodecIntersectPending())
	})

	t.Run("codecs changed only", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
		m.TakeLocalCodecs(localCodecs())
		rec.reset()

		d := remoteAudio("")
		d.RTPMaps = d.RTPMaps[:1]
		require.NoError(t, m.SetRemoteMedia(d, true))
		assert.Equal(t, []EventType{EventRemoteCodecs}, rec.types())
		assert.True(t, m.IsCodecIntersectPending())
	})

	t.Run("transport and codecs changed", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
		m.TakeLocalCodecs(localCodecs())
		rec.reset()

		d := remoteAudio("")
		d.Port = 7000
		d.RTPMaps = d.RTPMaps[:1]
		require.NoError(t, m.SetRemoteMedia(d, true))
		assert.Equal(t, []EventType{EventRemoteCodecs}, rec.types())

		m.TakeLocalCodecs(localCodecs()[:1])
		assert.Equal(t, []EventType{EventRemoteCodecs, EventCodecsIntersected, EventRemoteCandidates}, rec.types())
		assert.Equal(t, 7000, rec.events[2].Candidates[0].Port)
	})

	t.Run("unchanged description emits nothing", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
		m.TakeLocalCodecs(localCodecs())
		rec.reset()

		same := remoteAudio("")
		require.NoError(t, m.SetRemoteMedia(same, true))
		assert.Empty(t, rec.events)
		assert.Same(t, same, m.RemoteMedia())
	})

	t.Run("codecs during intersection are deferred", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))

		d := remoteAudio("")
		d.RTPMaps = d.RTPMaps[:1]
		require.NoError(t, m.SetRemoteMedia(d, false))
		assert.Equal(t, []EventType{EventRemoteCodecs}, rec.types(), "второе пересечение ждет первого")

		m.TakeLocalCodecs(localCodecs())
		assert.Equal(t, []EventType{EventRemoteCodecs, EventRemoteCodecs}, rec.types())
		assert.True(t, m.IsCodecIntersectPending())
		assert.Len(t, rec.events[1].Codecs, 1)

		m.TakeLocalCodecs(localCodecs()[:1])
		assert.Equal(t, EventCodecsIntersected, rec.events[2].Type)
		assert.False(t, m.IsCodecIntersectPending())
	})

	t.Run("local codecs without intersection", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		m.TakeLocalCodecs(localCodecs())
		assert.Equal(t, []EventType{EventLocalUpdated}, rec.types())
	})
}

func TestCodecsRejected(t *testing.T) {
	m, rec := newTestMedia(t, mt.DirectionBidirectional)
	require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
	rec.reset()

	m.CodecsRejected()
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventCodecsIntersected, rec.events[0].Type)
	assert.False(t, rec.events[0].Success)
	assert.False(t, m.IsCodecIntersectPending())
	assert.Nil(t, m.RemoteCodecOffer())

	rec.reset()
	m.CodecsRejected()
	assert.Empty(t, rec.events, "отказ без пересечения игнорируется")

	t.Run("empty intersection result", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
		rec.reset()

		m.TakeLocalCodecs(nil)
		require.Len(t, rec.events, 1)
		assert.False(t, rec.events[0].Success)
	})
}

func TestReadiness(t *testing.T) {
	candidate := mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000, Foundation: "1"}

	t.Run("not ready without codecs", func(t *testing.T) {
		m, _ := newTestMedia(t, mt.DirectionSend)
		m.TakeLocalCandidate(candidate)
		require.True(t, m.LocalCandidatesPrepared())
		assert.False(t, m.IsReady())
	})

	steps := map[string]func(m *Media){
		"codecs":     func(m *Media) { m.TakeLocalCodecs(localCodecs()) },
		"candidates": func(m *Media) { m.TakeLocalCandidate(candidate); m.LocalCandidatesPrepared() },
		"receive":    func(m *Media) { m.SetCanReceive(true) },
	}
	orders := [][]string{
		{"codecs", "candidates", "receive"},
		{"receive", "candidates", "codecs"},
		{"candidates", "receive", "codecs"},
	}

	for _, order := range orders {
		t.Run("order "+order[0]+"-"+order[1]+"-"+order[2], func(t *testing.T) {
			m, rec := newTestMedia(t, mt.DirectionBidirectional)
			for i, step := range order {
				steps[step](m)
				if i < len(order)-1 {
					assert.False(t, m.IsReady(), "после %s", step)
				}
			}
			assert.True(t, m.IsReady())
			assert.Contains(t, rec.types(), EventReady)
		})
	}

	t.Run("hold replaces receive readiness", func(t *testing.T) {
		m, rec := newTestMedia(t, mt.DirectionBidirectional)
		m.TakeLocalCodecs(localCodecs())
		m.TakeLocalCandidate(candidate)
		m.LocalCandidatesPrepared()
		assert.False(t, m.IsReady())

		m.SetHoldRequested(true)
		assert.True(t, m.IsReady())
		assert.Equal(t, EventReady, rec.events[len(rec.events)-1].Type)
	})

	t.Run("pending intersection blocks readiness", func(t *testing.T) {
		m, _ := newTestMedia(t, mt.DirectionSend)
		m.TakeLocalCodecs(localCodecs())
		m.TakeLocalCandidate(candidate)
		m.LocalCandidatesPrepared()
		assert.True(t, m.IsReady())

		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
		assert.False(t, m.IsReady())

		m.TakeLocalCodecs(localCodecs())
		assert.True(t, m.IsReady())
	})
}

func TestLocalCandidates(t *testing.T) {
	m, _ := newTestMedia(t, mt.DirectionBidirectional)
	assert.False(t, m.LocalCandidatesPrepared(), "пустой список не фиксируется")

	m.TakeLocalCandidate(mt.Candidate{Component: 1, Address: "10.0.0.1", Port: 4000})
	assert.True(t, m.LocalCandidatesPrepared())
	assert.False(t, m.LocalCandidatesPrepared(), "повторная фиксация")
	assert.True(t, m.LocalCandidatesFrozen())

	assert.Panics(t, func() {
		m.TakeLocalCandidate(mt.Candidate{Component: 2, Address: "10.0.0.1", Port: 4001})
	})
}

func TestRemoteCandidatesRTCP(t *testing.T) {
	t.Run("rtcp attribute with address", func(t *testing.T) {
		m, _ := newTestMedia(t, mt.DirectionBidirectional)
		d := remoteAudio("")
		d.Attributes = append(d.Attributes, Attribute{Key: "rtcp", Value: "53020 IN IP4 126.16.64.4"})
		require.NoError(t, m.SetRemoteMedia(d, false))

		cands := m.RemoteCandidates()
		require.Len(t, cands, 2)
		assert.Equal(t, mt.Candidate{Component: 2, Address: "126.16.64.4", Port: 53020}, cands[1])
	})

	t.Run("rtcp attribute with port only", func(t *testing.T) {
		m, _ := newTestMedia(t, mt.DirectionBidirectional)
		d := remoteAudio("")
		d.Attributes = append(d.Attributes, Attribute{Key: "rtcp", Value: "6000"})
		require.NoError(t, m.SetRemoteMedia(d, false))
		assert.Equal(t, mt.Candidate{Component: 2, Address: "192.0.2.10", Port: 6000}, m.RemoteCandidates()[1])
	})

	t.Run("RTCP disabled by bandwidth", func(t *testing.T) {
		cfg := DefaultMediaConfig(mt.MediaTypeAudio)
		cfg.Owner = &testOwner{rtcp: false}
		m, err := NewMedia(cfg)
		require.NoError(t, err)
		require.NoError(t, m.SetRemoteMedia(remoteAudio(""), false))
		assert.Len(t, m.RemoteCandidates(), 1)
	})
}

func TestRemotePTime(t *testing.T) {
	cfg := DefaultMediaConfig(mt.MediaTypeAudio)
	cfg.Owner = &testOwner{rtcp: true, ptime: "20", maxptime: "60"}
	m, err := NewMedia(cfg)
	require.NoError(t, err)

	d := remoteAudio("")
	d.Attributes = append(d.Attributes, Attribute{Key: "ptime", Value: "30"})
	require.NoError(t, m.SetRemoteMedia(d, false))

	ptime, maxptime := m.RemotePTime()
	assert.Equal(t, "30", ptime)
	assert.Equal(t, "60", maxptime)
}

func TestNewMediaValidation(t *testing.T) {
	cfg := DefaultMediaConfig(mt.MediaTypeUnknown)
	_, err := NewMedia(cfg)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg = DefaultMediaConfig(mt.MediaTypeVideo)
	cfg.RequestedDirection = 7
	_, err = NewMedia(cfg)
	assert.Error(t, err)
}

func TestTelephonyEventPayload(t *testing.T) {
	m, _ := newTestMedia(t, mt.DirectionBidirectional)
	_, ok := m.TelephonyEventPayload()
	assert.False(t, ok)

	m.TakeLocalCodecs(localCodecs())
	pt, ok := m.TelephonyEventPayload()
	require.True(t, ok)
	assert.Equal(t, uint8(101), pt)
}
