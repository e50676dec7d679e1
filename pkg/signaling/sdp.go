package signaling

import (
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/sip_negotiation/pkg/sip_media"
)

// origin строка o= и версия описания (RFC 4566 5.2).
// Версия растет только при изменении медиа части.
type origin struct {
	id      uint64
	version uint64
	address string
	last    string
}

func newOrigin(address string) *origin {
	if address == "" {
		address = "0.0.0.0"
	}
	id := uint64(time.Now().Unix())
	return &origin{id: id, version: id, address: address}
}

// complete заполняет строки уровня сессии o=, s=, t= и возвращает текст
func (o *origin) complete(desc *sdp.SessionDescription) ([]byte, error) {
	media := sip_media.MarshalMedia(desc.MediaDescriptions...)
	if o.last != "" && media != o.last {
		o.version++
	}
	o.last = media

	addrType := "IP4"
	if strings.Contains(o.address, ":") {
		addrType = "IP6"
	}

	desc.Version = 0
	desc.Origin = sdp.Origin{
		Username:       "-",
		SessionID:      o.id,
		SessionVersion: o.version,
		NetworkType:    "IN",
		AddressType:    addrType,
		UnicastAddress: o.address,
	}
	desc.SessionName = "-"
	desc.TimeDescriptions = []sdp.TimeDescription{
		{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
	}
	return desc.Marshal()
}

// CompleteSDP дополняет описание, сформированное сессией, строками
// уровня сессии для адреса address
func CompleteSDP(desc *sdp.SessionDescription, address string) (string, error) {
	raw, err := newOrigin(address).complete(desc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
