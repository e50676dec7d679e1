package sip_session

import (
	"log/slog"

	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
	"github.com/arzzra/sip_negotiation/pkg/stream"
)

// HoldState локальное удержание сессии
type HoldState int

const (
	HoldStateUnheld HoldState = iota
	HoldStateHeld
	HoldStatePendingHold
	HoldStatePendingUnhold
)

func (h HoldState) String() string {
	switch h {
	case HoldStateUnheld:
		return "unheld"
	case HoldStateHeld:
		return "held"
	case HoldStatePendingHold:
		return "pending_hold"
	case HoldStatePendingUnhold:
		return "pending_unhold"
	default:
		return "unknown"
	}
}

// HoldReason причина последнего изменения удержания
type HoldReason int

const (
	HoldReasonNone HoldReason = iota
	HoldReasonRequested
	HoldReasonResourceNotAvailable
)

func (r HoldReason) String() string {
	switch r {
	case HoldReasonNone:
		return "none"
	case HoldReasonRequested:
		return "requested"
	case HoldReasonResourceNotAvailable:
		return "resource_not_available"
	default:
		return "unknown"
	}
}

// HoldState текущее состояние удержания
func (s *Session) HoldState() HoldState { return s.holdState }

// HoldReason причина последнего изменения удержания
func (s *Session) HoldReason() HoldReason { return s.holdReason }

// RequestHold ставит сессию на удержание или снимает с него.
// Повторный запрос того же состояния только пишется в лог.
func (s *Session) RequestHold(hold bool) error {
	if len(s.entries) == 0 {
		return NewSessionError(ErrorCodeNoMedia, s.id, "удержание сессии без медиа")
	}
	s.initiateHold(hold, HoldReasonRequested)
	return nil
}

func (s *Session) initiateHold(hold bool, reason HoldReason) {
	if hold {
		if s.holdState == HoldStateHeld || s.holdState == HoldStatePendingHold {
			s.logger.Warn("избыточный запрос удержания")
			return
		}
	} else if s.holdState == HoldStateUnheld || s.holdState == HoldStatePendingUnhold {
		s.logger.Warn("избыточный запрос снятия удержания")
		return
	}

	// состояние выставляется до запросов к потокам: клиент может
	// подтвердить удержание синхронно
	requested := false
	for _, h := range s.entries {
		if h != nil && h.RequestedHoldState() != hold {
			requested = true
		}
	}

	switch {
	case requested && hold:
		s.holdState = HoldStatePendingHold
	case requested:
		s.holdState = HoldStatePendingUnhold
	case hold:
		s.holdState = HoldStateHeld
	default:
		s.holdState = HoldStateUnheld
	}
	s.holdReason = reason

	s.logger.Info("изменено состояние удержания",
		slog.String("hold_state", s.holdState.String()),
		slog.String("reason", reason.String()))
	s.metrics.holdTransition(s.holdState, reason)
	s.emit(Event{Type: EventHoldStateChanged, HoldState: s.holdState, HoldReason: reason})

	for _, h := range s.entries {
		if h != nil {
			h.RequestHoldState(hold)
		}
	}

	if s.holdState == HoldStatePendingHold || s.holdState == HoldStatePendingUnhold {
		s.checkHoldConverged(hold)
	}
}

// OnHoldState реализует stream.Observer: клиент подтвердил удержание потока
func (s *Session) OnHoldState(h stream.Handler, held bool) {
	var hold bool
	switch s.holdState {
	case HoldStatePendingHold:
		hold = true
	case HoldStatePendingUnhold:
		hold = false
	default:
		s.logger.Warn("неожиданное изменение удержания потока",
			slog.Int("stream_id", h.ID()),
			slog.Bool("held", held))
		hold = held
		s.holdReason = HoldReasonNone
	}
	s.checkHoldConverged(hold)
}

// OnUnholdFailure реализует stream.Observer
func (s *Session) OnUnholdFailure(h stream.Handler) {
	s.logger.Warn("поток не снят с удержания, сессия возвращается на удержание",
		slog.Int("stream_id", h.ID()))
	s.initiateHold(true, HoldReasonResourceNotAvailable)
}

func (s *Session) checkHoldConverged(hold bool) {
	for _, h := range s.entries {
		if h != nil && h.HoldState() != hold {
			s.logger.Debug("удержание еще не завершено", slog.Int("stream_id", h.ID()))
			return
		}
	}
	s.finalizeHold()
}

func (s *Session) finalizeHold() {
	var held bool
	switch s.holdState {
	case HoldStatePendingHold:
		held = true
	case HoldStatePendingUnhold:
		held = false
	default:
		// все потоки уже пришли к одному состоянию, берем любой
		held = s.holdState == HoldStateHeld
		for _, h := range s.entries {
			if h != nil {
				held = h.HoldState()
				break
			}
		}
	}

	final := HoldStateUnheld
	requested := mt.DirectionBidirectional
	holdMask := mt.DirectionBidirectional
	unholdMask := mt.DirectionReceive
	if held {
		final = HoldStateHeld
		requested = mt.DirectionNone
		holdMask = mt.DirectionSend
		unholdMask = mt.DirectionNone
	}

	s.holdState = final
	s.logger.Info("удержание завершено",
		slog.String("hold_state", final.String()),
		slog.String("reason", s.holdReason.String()))
	s.metrics.holdTransition(final, s.holdReason)
	s.emit(Event{Type: EventHoldStateChanged, HoldState: final, HoldReason: s.holdReason})

	dirs := make([]mt.Direction, len(s.entries))
	for i, h := range s.entries {
		if h != nil {
			dirs[i] = h.RequestedDirection()&holdMask | unholdMask
			h.Media().SetRequestedDirection(requested)
		}
	}
	for i, h := range s.entries {
		if h != nil {
			h.SetDirection(dirs[i], mt.PendingAll)
		}
	}
}
