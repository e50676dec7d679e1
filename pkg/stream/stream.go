// Package stream содержит адаптеры медиа потоков между состоянием
// согласования (sip_media) и локальным медиа клиентом.
//
// LegacyStream повторяет форму уведомлений классического обработчика
// потока, CandidateStream форму потока с ICE-lite кандидатами. Оба
// используют общую арифметику направления из пакета direction и отличаются
// только тем, как сообщают результат клиенту.
package stream

import (
	"errors"
	"log/slog"

	"github.com/arzzra/sip_negotiation/pkg/direction"
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
	"github.com/arzzra/sip_negotiation/pkg/sip_media"
)

var (
	ErrNoValidCandidates     = errors.New("stream: нет допустимых кандидатов")
	ErrCandidatesFrozen      = errors.New("stream: сбор локальных кандидатов уже завершен")
	ErrCodecsNotProvided     = errors.New("stream: локальные кодеки еще не переданы")
	ErrCandidateMismatch     = errors.New("stream: идентификатор удаленного кандидата не совпадает")
	ErrTelephonyNotSupported = errors.New("stream: telephone-event не согласован")
	ErrInvalidConfig         = errors.New("stream: некорректная конфигурация")
)

// Handler поток, которым управляет сессия
type Handler interface {
	ID() int
	Media() *sip_media.Media
	// Direction фактическое направление потока
	Direction() mt.Direction
	PendingSend() mt.PendingSend
	// RequestedDirection направление с учетом ожидающей локальной отправки
	RequestedDirection() mt.Direction
	SetDirection(dir mt.Direction, pendingMask mt.PendingSend)
	ApplyPendingDirection(pendingMask mt.PendingSend)
	Sending() bool
	// RequestHoldState передает клиенту запрос удержания.
	// Возвращает false, если запрос не меняет состояние.
	RequestHoldState(hold bool) bool
	RequestedHoldState() bool
	// HoldState удержание, подтвержденное клиентом
	HoldState() bool
	IsLocalReady() bool
	Close()
}

// Observer сторона сессии, получающая события потоков
type Observer interface {
	IsAccepted() bool
	OnDirectionChanged(h Handler, dir mt.Direction, pending mt.PendingSend)
	OnHoldState(h Handler, held bool)
	OnUnholdFailure(h Handler)
	OnLocalMediaUpdated(h Handler)
	OnReady(h Handler)
	OnCodecsIntersected(h Handler, success bool)
	OnCandidatesRejected(h Handler, count int)
	OnClosed(h Handler)
}

// Config параметры создания потока
type Config struct {
	ID       int
	Media    *sip_media.Media
	Observer Observer
	// InitialDirection начальное направление потока
	InitialDirection mt.Direction
	// InitialPending начальные флаги ожидания подтверждения
	InitialPending mt.PendingSend
	Logger         *slog.Logger
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Media == nil || c.Observer == nil {
		return ErrInvalidConfig
	}
	return nil
}

// notifier форма уведомлений конкретного адаптера
type notifier interface {
	remoteCodecs(codecs []mt.Codec)
	remoteCandidates(candidates []mt.Candidate)
	directionChanged(state direction.State)
	sendingChanged(sending bool)
	holdRequested(hold bool)
	streamClosed()
}

// base общая часть адаптеров: состояние направления и удержания
type base struct {
	id       int
	media    *sip_media.Media
	observer Observer
	self     Handler
	notify   notifier
	logger   *slog.Logger

	state         direction.State
	sending       bool
	requestedHold bool
	held          bool
	closed        bool
}

func newBase(cfg Config, self Handler, n notifier, component string) (*base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", component))
	}
	b := &base{
		id:       cfg.ID,
		media:    cfg.Media,
		observer: cfg.Observer,
		self:     self,
		notify:   n,
		logger:   logger.With(slog.Int("stream_id", cfg.ID), slog.String("media", cfg.Media.Name())),
		state: direction.State{
			Direction: cfg.InitialDirection,
			Pending:   cfg.InitialPending,
		},
		requestedHold: cfg.Media.HoldRequested(),
	}
	cfg.Media.Subscribe(b.onMediaEvent)
	return b, nil
}

func (b *base) onMediaEvent(ev sip_media.Event) {
	if b.closed {
		return
	}
	switch ev.Type {
	case sip_media.EventRemoteCodecs:
		b.notify.remoteCodecs(ev.Codecs)
	case sip_media.EventRemoteCandidates:
		b.notify.remoteCandidates(ev.Candidates)
	case sip_media.EventCodecsIntersected:
		b.observer.OnCodecsIntersected(b.self, ev.Success)
	case sip_media.EventReady:
		b.observer.OnReady(b.self)
	case sip_media.EventLocalUpdated:
		if b.localPrepared() {
			b.observer.OnLocalMediaUpdated(b.self)
		}
	}
}

func (b *base) ID() int { return b.id }
func (b *base) Media() *sip_media.Media { return b.media }
func (b *base) Direction() mt.Direction { return b.state.Direction }
func (b *base) PendingSend() mt.PendingSend { return b.state.Pending }
func (b *base) RequestedDirection() mt.Direction { return b.state.Requested() }
func (b *base) Sending() bool { return b.sending }
func (b *base) RequestedHoldState() bool { return b.requestedHold }
func (b *base) HoldState() bool { return b.held }

// IsLocalReady локальные кандидаты и кодеки переданы клиентом
func (b *base) IsLocalReady() bool {
	return b.localPrepared()
}

func (b *base) localPrepared() bool {
	return b.media.LocalCandidatesFrozen() && len(b.media.LocalCodecs()) > 0
}

// SetDirection применяет новое направление с флагами ожидания в пределах маски
func (b *base) SetDirection(dir mt.Direction, pendingMask mt.PendingSend) {
	oldRequested := b.state.Requested()

	next, changed := direction.SetDirection(b.state, dir, pendingMask)
	b.state = next
	if !changed {
		return
	}

	b.logger.Debug("направление потока изменено",
		slog.String("direction", next.Direction.String()),
		slog.String("pending", next.Pending.String()))

	b.notify.directionChanged(b.state)
	b.observer.OnDirectionChanged(b.self, b.state.Direction, b.state.Pending)
	b.updateSending()

	if b.localPrepared() && b.state.Requested() != oldRequested {
		b.observer.OnLocalMediaUpdated(b.self)
	}
}

// ApplyPendingDirection снимает флаги ожидания из маски
func (b *base) ApplyPendingDirection(pendingMask mt.PendingSend) {
	next, changed := direction.ApplyPending(b.state, pendingMask)
	b.state = next
	if changed {
		b.logger.Debug("ожидание подтверждения снято",
			slog.String("direction", next.Direction.String()),
			slog.String("pending", next.Pending.String()))
		b.notify.directionChanged(b.state)
		b.observer.OnDirectionChanged(b.self, b.state.Direction, b.state.Pending)
	}
	// сессия могла стать принятой независимо от флагов
	b.updateSending()
}

func (b *base) updateSending() {
	sending := direction.Sending(b.state, b.observer.IsAccepted())
	if sending == b.sending {
		return
	}
	b.logger.Debug("изменен признак отправки", slog.Bool("sending", sending))
	b.sending = sending
	b.notify.sendingChanged(sending)
}

// RequestHoldState запрашивает у клиента удержание потока
func (b *base) RequestHoldState(hold bool) bool {
	if b.requestedHold == hold {
		return false
	}
	b.requestedHold = hold
	b.media.SetHoldRequested(hold)
	b.notify.holdRequested(hold)
	return true
}

// SetHoldState подтверждение удержания от клиента
func (b *base) SetHoldState(held bool) {
	if b.held == held {
		return
	}
	b.held = held
	b.observer.OnHoldState(b.self, held)
}

// UnholdFailure клиент не смог снять удержание
func (b *base) UnholdFailure() {
	b.logger.Warn("клиент не смог снять удержание")
	b.observer.OnUnholdFailure(b.self)
}

// Close закрывает поток. Повторный вызов ничего не делает.
func (b *base) Close() {
	if b.closed {
		return
	}
	b.closed = true
	b.notify.streamClosed()
	b.observer.OnClosed(b.self)
}
