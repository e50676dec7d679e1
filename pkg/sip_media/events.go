package sip_media

import (
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// EventType тип события медиа линии
type EventType int

const (
	// EventRemoteCodecs удаленные кодеки нужно передать клиенту для пересечения
	EventRemoteCodecs EventType = iota + 1
	// EventRemoteCandidates удаленных кандидатов нужно передать клиенту
	EventRemoteCandidates
	// EventCodecsIntersected пересечение кодеков завершено (Success) или пусто
	EventCodecsIntersected
	// EventReady медиа линия стала готова к генерации SDP
	EventReady
	// EventLocalUpdated локальные кодеки изменились вне пересечения
	EventLocalUpdated
)

func (t EventType) String() string {
	switch t {
	case EventRemoteCodecs:
		return "remote-codecs"
	case EventRemoteCandidates:
		return "remote-candidates"
	case EventCodecsIntersected:
		return "codecs-intersected"
	case EventReady:
		return "ready"
	case EventLocalUpdated:
		return "local-updated"
	default:
		return "unknown"
	}
}

// Event событие медиа линии
type Event struct {
	Type       EventType
	Media      *Media
	Codecs     []mt.Codec
	Candidates []mt.Candidate
	Success    bool
}

// EventHandler обработчик событий. Вызывается синхронно.
type EventHandler func(ev Event)
