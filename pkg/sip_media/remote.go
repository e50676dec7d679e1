package sip_media

import (
	"reflect"
	"strconv"
	"strings"

	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// ExpectedProto единственный поддерживаемый транспортный профиль
const ExpectedProto = "RTP/AVP"

// Connection адрес из строки c=
type Connection struct {
	AddressType string // IP4 или IP6
	Address     string
}

// RTPMap запись rtpmap вместе с исходной строкой fmtp
type RTPMap struct {
	PayloadType  uint8
	EncodingName string
	ClockRate    uint32
	Channels     uint
	Fmtp         string
}

// Attribute атрибут a= в форме ключ/значение
type Attribute struct {
	Key   string
	Value string
}

// Bandwidth строка b=
type Bandwidth struct {
	Type  string
	Value uint64
}

// RemoteMediaDescription разобранная медиа линия удаленного SDP.
//
// Описание принадлежит RemoteSessionDescription, которую хранит сессия.
// Media держит указатель на него, но никогда не изменяет; сессия обязана
// хранить описание, пока существует хотя бы одна Media, ссылающаяся на него.
type RemoteMediaDescription struct {
	Type       mt.MediaType
	TypeName   string
	Port       int
	Rejected   bool
	Proto      string
	Connection *Connection
	RTPMaps    []RTPMap
	Attributes []Attribute
	Bandwidths []Bandwidth
}

// Attribute возвращает значение первого атрибута с указанным ключом
func (d *RemoteMediaDescription) Attribute(key string) (string, bool) {
	for _, a := range d.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Equal выполняет глубокое сравнение описаний
func (d *RemoteMediaDescription) Equal(other *RemoteMediaDescription) bool {
	if d == nil || other == nil {
		return d == other
	}
	return reflect.DeepEqual(d, other)
}

func (d *RemoteMediaDescription) transportEqual(other *RemoteMediaDescription) bool {
	if d.Port != other.Port {
		return false
	}
	if d.Connection == nil || other.Connection == nil {
		return d.Connection == other.Connection
	}
	return *d.Connection == *other.Connection
}

func (d *RemoteMediaDescription) rtpmapsEqual(other *RemoteMediaDescription) bool {
	if len(d.RTPMaps) != len(other.RTPMaps) {
		return false
	}
	for i := range d.RTPMaps {
		if d.RTPMaps[i] != other.RTPMaps[i] {
			return false
		}
	}
	return true
}

// RemoteSessionDescription разобранное удаленное SDP целиком
type RemoteSessionDescription struct {
	Media      []*RemoteMediaDescription
	Attributes []Attribute
	Bandwidths []Bandwidth
}

// Attribute возвращает значение атрибута уровня сессии
func (s *RemoteSessionDescription) Attribute(key string) (string, bool) {
	for _, a := range s.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Equal выполняет глубокое сравнение описаний сессии
func (s *RemoteSessionDescription) Equal(other *RemoteSessionDescription) bool {
	if s == nil || other == nil {
		return s == other
	}
	return reflect.DeepEqual(s, other)
}

// RTCPThrottled проверяет что RTCP отключен нулевой полосой RS и RR
// (RFC 3556). Полосы уровня медиа имеют приоритет над уровнем сессии.
func RTCPThrottled(media []Bandwidth, session []Bandwidth) bool {
	rs, rsOK := findBandwidth(media, "RS")
	rr, rrOK := findBandwidth(media, "RR")
	if !rsOK {
		rs, rsOK = findBandwidth(session, "RS")
	}
	if !rrOK {
		rr, rrOK = findBandwidth(session, "RR")
	}
	return rsOK && rrOK && rs == 0 && rr == 0
}

func findBandwidth(list []Bandwidth, typ string) (uint64, bool) {
	for _, b := range list {
		if strings.EqualFold(b.Type, typ) {
			return b.Value, true
		}
	}
	return 0, false
}

// DirectionFromRemoteMedia вычисляет допустимое локальное направление по
// атрибуту режима удаленной стороны: recvonly удаленной стороны означает
// что мы можем только отправлять, sendonly что только принимать.
func DirectionFromRemoteMedia(d *RemoteMediaDescription) mt.Direction {
	for _, a := range d.Attributes {
		switch a.Key {
		case "sendrecv":
			return mt.DirectionBidirectional
		case "sendonly":
			return mt.DirectionReceive
		case "recvonly":
			return mt.DirectionSend
		case "inactive":
			return mt.DirectionNone
		}
	}
	return mt.DirectionBidirectional
}

// remoteRTCPCandidate разбирает атрибут a=rtcp:port [IN IP4 addr] (RFC 3605)
func remoteRTCPCandidate(value string, rtp mt.Candidate) (mt.Candidate, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return mt.Candidate{}, false
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil || port <= 0 || port > 65535 {
		return mt.Candidate{}, false
	}
	cand := mt.Candidate{
		Component:  mt.ComponentRTCP,
		Address:    rtp.Address,
		Port:       port,
		Foundation: rtp.Foundation,
	}
	if len(fields) >= 4 {
		cand.Address = fields[3]
	}
	return cand, true
}
