// Package media_types содержит общую модель данных согласования медиа:
// кодеки, кандидаты, направления и флаги ожидания подтверждения отправки.
package media_types

import (
	"fmt"
	"strings"
)

// MediaType тип медиа линии SDP
type MediaType int

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeAudio
	MediaTypeVideo
)

// String возвращает имя типа медиа так, как оно пишется в строке m=
func (t MediaType) String() string {
	switch t {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ParseMediaType преобразует имя медиа из строки m= в MediaType.
// Неподдерживаемые типы возвращают MediaTypeUnknown.
func ParseMediaType(name string) MediaType {
	switch strings.ToLower(name) {
	case "audio":
		return MediaTypeAudio
	case "video":
		return MediaTypeVideo
	default:
		return MediaTypeUnknown
	}
}

// Direction направление медиа потока: битовое множество над {Send, Receive}
type Direction uint8

const (
	DirectionNone          Direction = 0
	DirectionSend          Direction = 1 << 0
	DirectionReceive       Direction = 1 << 1
	DirectionBidirectional Direction = DirectionSend | DirectionReceive
)

// Has проверяет что все биты flag установлены
func (d Direction) Has(flag Direction) bool {
	return d&flag == flag && flag != 0
}

// String возвращает строковое представление направления
func (d Direction) String() string {
	switch d & DirectionBidirectional {
	case DirectionNone:
		return "none"
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return "bidirectional"
	}
}

// SDPAttribute возвращает атрибут направления для SDP.
// Для двунаправленного потока атрибут не пишется.
func (d Direction) SDPAttribute() string {
	switch d & DirectionBidirectional {
	case DirectionNone:
		return "inactive"
	case DirectionSend:
		return "sendonly"
	case DirectionReceive:
		return "recvonly"
	default:
		return ""
	}
}

// PendingSend флаги ожидания подтверждения перед началом отправки
type PendingSend uint8

const (
	// PendingLocalSend локальный клиент еще не подтвердил что будет отправлять
	PendingLocalSend PendingSend = 1 << 0
	// PendingRemoteSend удаленная сторона еще не подтвердила прием
	PendingRemoteSend PendingSend = 1 << 1

	PendingNone PendingSend = 0
	PendingAll  PendingSend = PendingLocalSend | PendingRemoteSend
)

func (p PendingSend) String() string {
	var parts []string
	if p&PendingLocalSend != 0 {
		parts = append(parts, "local")
	}
	if p&PendingRemoteSend != 0 {
		parts = append(parts, "remote")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// CodecParam параметр fmtp кодека
type CodecParam struct {
	Name  string
	Value string
}

// Codec описание кодека. Порядок параметров значим, дубликаты имен сохраняются.
type Codec struct {
	PayloadType  uint8
	EncodingName string
	ClockRate    uint32
	Channels     uint
	Params       []CodecParam
}

// AddParam добавляет параметр в конец списка
func (c *Codec) AddParam(name, value string) {
	c.Params = append(c.Params, CodecParam{Name: name, Value: value})
}

// Param возвращает значение первого параметра с указанным именем
func (c *Codec) Param(name string) (string, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Clone возвращает глубокую копию кодека
func (c Codec) Clone() Codec {
	if c.Params != nil {
		c.Params = append([]CodecParam(nil), c.Params...)
	}
	return c
}

// RTPMap возвращает значение атрибута rtpmap без номера payload
func (c Codec) RTPMap() string {
	if c.Channels > 1 {
		return fmt.Sprintf("%s/%d/%d", c.EncodingName, c.ClockRate, c.Channels)
	}
	return fmt.Sprintf("%s/%d", c.EncodingName, c.ClockRate)
}

// CloneCodecs копирует список кодеков вместе с параметрами
func CloneCodecs(codecs []Codec) []Codec {
	if codecs == nil {
		return nil
	}
	out := make([]Codec, len(codecs))
	for i, c := range codecs {
		out[i] = c.Clone()
	}
	return out
}

// Компоненты медиа линии
const (
	ComponentRTP  = 1
	ComponentRTCP = 2
)

// Candidate транспортный адрес компонента медиа линии
type Candidate struct {
	Component  int
	Address    string
	Port       int
	Foundation string
	Priority   uint32
}

// IsIPv6 проверяет что адрес кандидата записан в форме IPv6
func (c Candidate) IsIPv6() bool {
	return strings.Contains(c.Address, ":")
}

func (c Candidate) String() string {
	return fmt.Sprintf("%d:%s:%d", c.Component, c.Address, c.Port)
}
