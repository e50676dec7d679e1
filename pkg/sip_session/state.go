package sip_session

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"

	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// SignalingState состояние SIP сессии, которое ведет сигнализация
type SignalingState int

const (
	StateCreated SignalingState = iota
	StateInviteSent
	StateInviteReceived
	StateResponseReceived
	StateActive
	StateReinviteSent
	StateReinviteReceived
	StateReinvitePending
	StateEnded
)

var stateNames = map[SignalingState]string{
	StateCreated:          "created",
	StateInviteSent:       "invite_sent",
	StateInviteReceived:   "invite_received",
	StateResponseReceived: "response_received",
	StateActive:           "active",
	StateReinviteSent:     "reinvite_sent",
	StateReinviteReceived: "reinvite_received",
	StateReinvitePending:  "reinvite_pending",
	StateEnded:            "ended",
}

func (s SignalingState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func parseState(name string) SignalingState {
	for state, n := range stateNames {
		if n == name {
			return state
		}
	}
	return StateCreated
}

// newStateMachine создает автомат состояний сигнализации.
// Имя события совпадает с именем целевого состояния.
func newStateMachine(onTransition func(from, to SignalingState)) *fsm.FSM {
	all := []string{
		StateCreated.String(), StateInviteSent.String(), StateInviteReceived.String(),
		StateResponseReceived.String(), StateActive.String(), StateReinviteSent.String(),
		StateReinviteReceived.String(), StateReinvitePending.String(),
	}

	return fsm.NewFSM(
		StateCreated.String(),
		fsm.Events{
			// Исходящий и входящий INVITE
			{Name: StateInviteSent.String(), Src: []string{StateCreated.String()}, Dst: StateInviteSent.String()},
			{Name: StateInviteReceived.String(), Src: []string{StateCreated.String()}, Dst: StateInviteReceived.String()},
			// Ответ на наше предложение
			{Name: StateResponseReceived.String(), Src: []string{StateInviteSent.String(), StateReinviteSent.String()}, Dst: StateResponseReceived.String()},
			// Сессия установлена
			{Name: StateActive.String(), Src: []string{
				StateInviteReceived.String(), StateResponseReceived.String(), StateReinviteReceived.String(),
			}, Dst: StateActive.String()},
			// re-INVITE
			{Name: StateReinviteSent.String(), Src: []string{StateActive.String(), StateReinvitePending.String()}, Dst: StateReinviteSent.String()},
			{Name: StateReinviteReceived.String(), Src: []string{
				StateActive.String(), StateResponseReceived.String(), StateReinvitePending.String(),
			}, Dst: StateReinviteReceived.String()},
			// Коллизия re-INVITE
			{Name: StateReinvitePending.String(), Src: []string{StateReinviteSent.String()}, Dst: StateReinvitePending.String()},
			// Завершение из любого состояния
			{Name: StateEnded.String(), Src: all, Dst: StateEnded.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				onTransition(parseState(e.Src), parseState(e.Dst))
			},
		},
	)
}

// State возвращает текущее состояние сигнализации
func (s *Session) State() SignalingState {
	return parseState(s.fsm.Current())
}

// ChangeState переводит сессию в новое состояние. Вызывается
// сигнализацией при получении запросов и ответов.
func (s *Session) ChangeState(target SignalingState) error {
	return s.changeState(target)
}

func (s *Session) changeState(target SignalingState) error {
	old := s.State()
	if old == target {
		return nil
	}

	if err := s.fsm.Event(context.Background(), target.String()); err != nil {
		s.logger.Warn("недопустимый переход состояния",
			slog.String("from", old.String()),
			slog.String("to", target.String()))
		return &SessionError{
			Code:      ErrorCodeInvalidTransition,
			Message:   old.String() + " -> " + target.String(),
			SessionID: s.id,
			Wrapped:   err,
		}
	}

	s.logger.Debug("смена состояния",
		slog.String("from", old.String()),
		slog.String("to", target.String()))

	switch target {
	case StateActive:
		// после исходящего INVITE применяем ожидание удаленной отправки;
		// ожидание локальной отправки после входящего re-INVITE остается
		s.applyStreamsPendingDirection(mt.PendingRemoteSend)
	case StateEnded:
		s.closeAllStreams()
	}

	s.emit(Event{Type: EventStateChanged, OldState: old, NewState: target})

	if target == StateActive && s.pendingOffer {
		s.invite(true)
	}
	return nil
}
