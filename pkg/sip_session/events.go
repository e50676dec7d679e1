package sip_session

import (
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// EventType тип события сессии
type EventType int

const (
	EventStateChanged EventType = iota + 1
	EventHoldStateChanged
	EventRemoteHoldChanged
	EventStreamAdded
	EventStreamRemoved
	EventStreamDirectionChanged
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventHoldStateChanged:
		return "hold-state-changed"
	case EventRemoteHoldChanged:
		return "remote-hold-changed"
	case EventStreamAdded:
		return "stream-added"
	case EventStreamRemoved:
		return "stream-removed"
	case EventStreamDirectionChanged:
		return "stream-direction-changed"
	default:
		return "unknown"
	}
}

// Event событие сессии. Заполнены только поля, относящиеся к Type.
type Event struct {
	Type EventType

	OldState SignalingState
	NewState SignalingState

	HoldState  HoldState
	HoldReason HoldReason
	RemoteHeld bool

	StreamID  int
	MediaType mt.MediaType
	Direction mt.Direction
	Pending   mt.PendingSend
}

// EventHandler обработчик событий сессии. Вызывается синхронно.
type EventHandler func(ev Event)

// Subscribe добавляет обработчик событий
func (s *Session) Subscribe(h EventHandler) {
	s.handlers = append(s.handlers, h)
}

func (s *Session) emit(ev Event) {
	handlers := append([]EventHandler(nil), s.handlers...)
	for _, h := range handlers {
		h(ev)
	}
}
