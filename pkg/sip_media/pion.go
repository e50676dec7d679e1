package sip_media

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// staticPayloadType кодек статического payload type без rtpmap (RFC 3551)
type staticPayloadType struct {
	name      string
	clockRate uint32
	channels  uint
}

var staticPayloadTypes = map[uint8]staticPayloadType{
	0:  {"PCMU", 8000, 1},
	3:  {"GSM", 8000, 1},
	4:  {"G723", 8000, 1},
	8:  {"PCMA", 8000, 1},
	9:  {"G722", 8000, 1},
	13: {"CN", 8000, 1},
	18: {"G729", 8000, 1},
	26: {"JPEG", 90000, 0},
	31: {"H261", 90000, 0},
	34: {"H263", 90000, 0},
}

// ParseRemoteSession разбирает тело SDP в удаленное описание сессии
func ParseRemoteSession(body []byte) (*RemoteSessionDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, &NegotiationError{
			Code:    ErrorCodeRemoteSDPParsing,
			Message: "не удалось разобрать SDP",
			Wrapped: err,
		}
	}
	return RemoteSessionFromSDP(&sd), nil
}

// RemoteSessionFromSDP строит удаленное описание из разобранного pion/sdp.
// Адрес и атрибут направления уровня сессии наследуются медиа линиями,
// у которых нет своих.
func RemoteSessionFromSDP(sd *sdp.SessionDescription) *RemoteSessionDescription {
	out := &RemoteSessionDescription{
		Attributes: convertAttributes(sd.Attributes),
		Bandwidths: convertBandwidths(sd.Bandwidth),
	}

	sessionConn := convertConnection(sd.ConnectionInformation)
	sessionMode := ""
	for _, a := range sd.Attributes {
		if isModeAttribute(a.Key) {
			sessionMode = a.Key
			break
		}
	}

	for _, md := range sd.MediaDescriptions {
		desc := remoteMediaFromSDP(md)
		if desc.Connection == nil && sessionConn != nil {
			c := *sessionConn
			desc.Connection = &c
		}
		if sessionMode != "" && !hasModeAttribute(desc.Attributes) {
			desc.Attributes = append(desc.Attributes, Attribute{Key: sessionMode})
		}
		out.Media = append(out.Media, desc)
	}
	return out
}

func remoteMediaFromSDP(md *sdp.MediaDescription) *RemoteMediaDescription {
	desc := &RemoteMediaDescription{
		Type:       mt.ParseMediaType(md.MediaName.Media),
		TypeName:   md.MediaName.Media,
		Port:       md.MediaName.Port.Value,
		Proto:      strings.Join(md.MediaName.Protos, "/"),
		Connection: convertConnection(md.ConnectionInformation),
		Attributes: convertAttributes(md.Attributes),
		Bandwidths: convertBandwidths(md.Bandwidth),
	}
	desc.Rejected = desc.Port == 0

	rtpmaps := make(map[uint8]RTPMap)
	fmtps := make(map[uint8]string)
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap":
			if rm, ok := parseRTPMap(a.Value); ok {
				rtpmaps[rm.PayloadType] = rm
			}
		case "fmtp":
			pt, rest, ok := splitPayload(a.Value)
			if ok {
				fmtps[pt] = rest
			}
		}
	}

	for _, format := range md.MediaName.Formats {
		v, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		pt := uint8(v)
		rm, ok := rtpmaps[pt]
		if !ok {
			static, known := staticPayloadTypes[pt]
			if !known {
				continue
			}
			rm = RTPMap{PayloadType: pt, EncodingName: static.name, ClockRate: static.clockRate, Channels: static.channels}
		}
		rm.Fmtp = fmtps[pt]
		desc.RTPMaps = append(desc.RTPMaps, rm)
	}
	return desc
}

func splitPayload(value string) (uint8, string, bool) {
	head, rest, _ := strings.Cut(strings.TrimSpace(value), " ")
	pt, err := strconv.ParseUint(head, 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt), strings.TrimSpace(rest), true
}

// parseRTPMap разбирает "96 opus/48000/2"
func parseRTPMap(value string) (RTPMap, bool) {
	pt, rest, ok := splitPayload(value)
	if !ok || rest == "" {
		return RTPMap{}, false
	}
	parts := strings.Split(rest, "/")
	rm := RTPMap{PayloadType: pt, EncodingName: parts[0], Channels: 1}
	if len(parts) >= 2 {
		rate, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return RTPMap{}, false
		}
		rm.ClockRate = uint32(rate)
	}
	if len(parts) >= 3 {
		ch, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return RTPMap{}, false
		}
		rm.Channels = uint(ch)
	}
	return rm, true
}

func convertConnection(ci *sdp.ConnectionInformation) *Connection {
	if ci == nil || ci.Address == nil || ci.Address.Address == "" {
		return nil
	}
	return &Connection{AddressType: ci.AddressType, Address: ci.Address.Address}
}

func convertAttributes(attrs []sdp.Attribute) []Attribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]Attribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, Attribute{Key: a.Key, Value: a.Value})
	}
	return out
}

func convertBandwidths(bws []sdp.Bandwidth) []Bandwidth {
	if len(bws) == 0 {
		return nil
	}
	out := make([]Bandwidth, 0, len(bws))
	for _, b := range bws {
		out = append(out, Bandwidth{Type: b.Type, Value: b.Bandwidth})
	}
	return out
}

func isModeAttribute(key string) bool {
	switch key {
	case "sendrecv", "sendonly", "recvonly", "inactive":
		return true
	}
	return false
}

func hasModeAttribute(attrs []Attribute) bool {
	for _, a := range attrs {
		if isModeAttribute(a.Key) {
			return true
		}
	}
	return false
}
