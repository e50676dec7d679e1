package sip_media

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// SelectCandidates выбирает кандидатов RTP и RTCP для SDP.
//
// RTP: кандидат компонента 1 с минимальным значением приоритета.
// RTCP: кандидат компонента 2 с той же foundation и минимальным приоритетом.
func SelectCandidates(candidates []mt.Candidate) (rtp, rtcp *mt.Candidate) {
	for i := range candidates {
		c := &candidates[i]
		if c.Component != mt.ComponentRTP {
			continue
		}
		if rtp == nil || c.Priority < rtp.Priority {
			rtp = c
		}
	}
	if rtp == nil {
		return nil, nil
	}
	for i := range candidates {
		c := &candidates[i]
		if c.Component != mt.ComponentRTCP || c.Foundation != rtp.Foundation {
			continue
		}
		if rtcp == nil || c.Priority < rtcp.Priority {
			rtcp = c
		}
	}
	return rtp, rtcp
}

func addrType(address string) string {
	if strings.Contains(address, ":") {
		return "IP6"
	}
	return "IP4"
}

// sdpDirection направление для строки атрибута: в предложении
// запрошенное, в ответе согласованное. При удержании не больше отправки.
func (m *Media) sdpDirection(authoritative bool) mt.Direction {
	if m.holdRequested {
		return (m.requestedDirection | m.direction) & mt.DirectionSend
	}
	if authoritative {
		return m.requestedDirection
	}
	return m.direction
}

// MediaDescription формирует m=/c=/a= описание медиа линии.
// Без локальных кодеков линия отклоняется: порт 0 и один формат
// (RFC 3264 6).
func (m *Media) MediaDescription(authoritative bool) *sdp.MediaDescription {
	port := 0
	address := "0.0.0.0"
	rtp, rtcp := SelectCandidates(m.localCandidates)
	if rtp != nil {
		port = rtp.Port
		address = rtp.Address
	}

	formats := make([]string, 0, len(m.localCodecs))
	for _, c := range m.localCodecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
	}
	if len(formats) == 0 {
		port = 0
		formats = append(formats, m.rejectedFormat())
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   m.mediaType.String(),
			Port:    sdp.RangedPort{Value: port},
			Protos:  strings.Split(ExpectedProto, "/"),
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType(address),
			Address:     &sdp.Address{Address: address},
		},
	}

	// RFC 3605
	if rtp != nil && rtcp != nil {
		switch {
		case rtcp.Address != rtp.Address:
			md.WithValueAttribute("rtcp", fmt.Sprintf("%d IN %s %s", rtcp.Port, addrType(rtcp.Address), rtcp.Address))
		case rtcp.Port != rtp.Port+1:
			md.WithValueAttribute("rtcp", strconv.Itoa(rtcp.Port))
		}
	}

	if attr := m.sdpDirection(authoritative).SDPAttribute(); attr != "" {
		md.WithPropertyAttribute(attr)
	}

	for i := range m.localCodecs {
		c := &m.localCodecs[i]
		pt := strconv.Itoa(int(c.PayloadType))
		md.WithValueAttribute("rtpmap", pt+" "+c.RTPMap())
		if params := m.registry.Format(m.mediaType, c); params != "" {
			md.WithValueAttribute("fmtp", pt+" "+params)
		}
	}
	return md
}

func (m *Media) rejectedFormat() string {
	if m.remoteMedia != nil && len(m.remoteMedia.RTPMaps) > 0 {
		return strconv.Itoa(int(m.remoteMedia.RTPMaps[0].PayloadType))
	}
	return "0"
}

// GenerateSDP возвращает текст m=/c=/a= блока медиа линии
func (m *Media) GenerateSDP(authoritative bool) string {
	return MarshalMedia(m.MediaDescription(authoritative))
}

// MarshalMedia возвращает текст медиа блоков без строк уровня сессии
func MarshalMedia(media ...*sdp.MediaDescription) string {
	desc := sdp.SessionDescription{MediaDescriptions: media}
	raw, err := desc.Marshal()
	if err != nil {
		return ""
	}
	if i := bytes.Index(raw, []byte("\r\nm=")); i >= 0 {
		return string(raw[i+2:])
	}
	return ""
}
