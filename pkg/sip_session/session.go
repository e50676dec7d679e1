// Package sip_session координирует медиа линии одной SIP сессии: сопоставляет
// удаленное SDP с медиа линиями, решает когда отправлять предложение или
// ответ, откатывает неудачный re-INVITE и сводит удержание всех потоков
// в одно состояние сессии.
//
// Сессия однопоточная: все методы вызываются из одного цикла событий.
// Обработчики событий могут синхронно вызывать методы сессии.
package sip_session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sip_negotiation/pkg/codec_params"
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
	"github.com/arzzra/sip_negotiation/pkg/sip_media"
	"github.com/arzzra/sip_negotiation/pkg/stream"
)

// holeMedia медиа линия на месте удаленного потока
func holeMedia() *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0"},
		},
	}
}

// Session медиа сессия одного SIP вызова.
//
// Удаленные описания принадлежат сессии: remote и backup живут, пока на
// них ссылаются медиа линии, поэтому Media хранят только указатели.
type Session struct {
	id        string
	peer      string
	signaling Signaling
	newStream StreamFactory
	registry  *codec_params.Registry
	randInt   func(n int) int

	// entries индекс совпадает с номером m= строки, nil на месте закрытого потока
	entries []stream.Handler
	fsm     *fsm.FSM

	holdState  HoldState
	holdReason HoldReason

	accepted         bool
	remoteInitiated  bool
	pendingOffer     bool
	immutableStreams bool

	remoteStreamCount int
	remote            *sip_media.RemoteSessionDescription
	backup            *sip_media.RemoteSessionDescription
	remotePTime       string
	remoteMaxPTime    string
	remoteHeld        bool

	updatingRemote   bool
	deferredRollback bool

	handlers []EventHandler
	metrics  *Metrics
	logger   *slog.Logger
}

// NewSession создает сессию в состоянии created
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		cfg.Registry = codec_params.Default()
	}
	if cfg.RandInt == nil {
		cfg.RandInt = DefaultConfig().RandInt
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "sip_session"))
	}

	s := &Session{
		id:               uuid.NewString(),
		peer:             cfg.Peer,
		signaling:        cfg.Signaling,
		newStream:        cfg.NewStream,
		registry:         cfg.Registry,
		randInt:          cfg.RandInt,
		immutableStreams: cfg.ImmutableStreams,
		holdState:        HoldStateUnheld,
		holdReason:       HoldReasonNone,
		metrics:          cfg.Metrics,
	}
	s.logger = cfg.Logger.With(slog.String("session_id", s.id), slog.String("peer", cfg.Peer))
	s.fsm = newStateMachine(s.metrics.stateTransition)
	return s, nil
}

// ID идентификатор сессии
func (s *Session) ID() string { return s.id }

// Peer удаленная сторона
func (s *Session) Peer() string { return s.peer }

// IsAccepted сессия принята локально
func (s *Session) IsAccepted() bool { return s.accepted }

// PendingOffer есть локальные изменения, ожидающие нового предложения
func (s *Session) PendingOffer() bool { return s.pendingOffer }

// RemoteHeld удаленная сторона поставила вызов на удержание
func (s *Session) RemoteHeld() bool { return s.remoteHeld }

// RemoteSession текущее удаленное описание сессии
func (s *Session) RemoteSession() *sip_media.RemoteSessionDescription { return s.remote }

// StreamCount количество записей потоков, включая закрытые
func (s *Session) StreamCount() int { return len(s.entries) }

// Stream возвращает поток по номеру медиа линии
func (s *Session) Stream(id int) (stream.Handler, error) {
	if id < 0 || id >= len(s.entries) {
		return nil, NewSessionError(ErrorCodeInvalidStream, s.id, "номер потока %d вне диапазона", id)
	}
	h := s.entries[id]
	if h == nil {
		return nil, NewSessionError(ErrorCodeInvalidStream, s.id, "поток %d не существует", id)
	}
	return h, nil
}

// Streams возвращает открытые потоки
func (s *Session) Streams() []stream.Handler {
	streams := make([]stream.Handler, 0, len(s.entries))
	for _, h := range s.entries {
		if h != nil {
			streams = append(streams, h)
		}
	}
	return streams
}

// RTCPEnabled реализует sip_media.Owner
func (s *Session) RTCPEnabled(desc *sip_media.RemoteMediaDescription) bool {
	if desc == nil {
		return true
	}
	var sessionBandwidths []sip_media.Bandwidth
	if s.remote != nil {
		sessionBandwidths = s.remote.Bandwidths
	}
	return !sip_media.RTCPThrottled(desc.Bandwidths, sessionBandwidths)
}

// PTime реализует sip_media.Owner
func (s *Session) PTime() (string, string) {
	return s.remotePTime, s.remoteMaxPTime
}

func supportsMediaType(t mt.MediaType) bool {
	return t == mt.MediaTypeAudio || t == mt.MediaTypeVideo
}

func (s *Session) localHoldOngoing() bool {
	return s.holdState == HoldStateHeld || s.holdState == HoldStatePendingHold
}

// addStream добавляет запись потока. Для неподдерживаемого типа
// добавляется дыра, чтобы номера совпадали с m= строками.
func (s *Session) addStream(mediaType mt.MediaType, dir mt.Direction, createdLocally bool) (stream.Handler, error) {
	id := len(s.entries)
	if !supportsMediaType(mediaType) {
		s.logger.Debug("неподдерживаемый тип медиа", slog.Int("stream_id", id))
		s.entries = append(s.entries, nil)
		return nil, nil
	}

	holdOngoing := s.localHoldOngoing()
	if holdOngoing {
		dir &^= mt.DirectionReceive
	}
	// медиа запрашивает то же направление, что и поток с учетом
	// ожидающей локальной отправки
	requested := dir

	pending := mt.PendingRemoteSend
	if !createdLocally {
		pending = mt.PendingLocalSend
		dir &^= mt.DirectionSend
	}

	media, err := sip_media.NewMedia(sip_media.MediaConfig{
		Type:               mediaType,
		Name:               fmt.Sprintf("%s%d", mediaType, id),
		RequestedDirection: requested,
		CreatedLocally:     createdLocally,
		HoldRequested:      holdOngoing,
		Owner:              s,
		Registry:           s.registry,
		Logger:             s.logger,
	})
	if err != nil {
		return nil, err
	}

	h, err := s.newStream(stream.Config{
		ID:               id,
		Media:            media,
		Observer:         s,
		InitialDirection: dir,
		InitialPending:   pending,
		Logger:           s.logger,
	})
	if err != nil {
		return nil, NewSessionError(ErrorCodeInvalidStream, s.id, "не удалось создать поток %d", id).WithContext("error", err.Error())
	}

	s.entries = append(s.entries, h)
	s.metrics.streamsActive.Inc()

	s.logger.Debug("добавлен поток",
		slog.Int("stream_id", id),
		slog.String("media", mediaType.String()),
		slog.String("direction", dir.String()),
		slog.Bool("created_locally", createdLocally))

	s.emit(Event{
		Type:      EventStreamAdded,
		StreamID:  id,
		MediaType: mediaType,
		Direction: dir,
		Pending:   pending,
	})
	return h, nil
}

// AddMedia добавляет локальную медиа линию и возвращает ее номер
func (s *Session) AddMedia(mediaType mt.MediaType, dir mt.Direction) (int, error) {
	if !supportsMediaType(mediaType) {
		return 0, NewSessionError(ErrorCodeUnsupportedMedia, s.id, "тип медиа %s не поддерживается", mediaType)
	}
	h, err := s.addStream(mediaType, dir, true)
	if err != nil {
		return 0, err
	}
	s.localMediaChanged()
	return h.ID(), nil
}

// RemoveMedia закрывает потоки. Номера остаются занятыми.
func (s *Session) RemoveMedia(ids ...int) error {
	for _, id := range ids {
		h, err := s.Stream(id)
		if err != nil {
			return err
		}
		h.Close()
	}
	s.localMediaChanged()
	return nil
}

// RequestStreamDirection локальная сторона запрашивает направление потока
func (s *Session) RequestStreamDirection(id int, dir mt.Direction) error {
	h, err := s.Stream(id)
	if err != nil {
		return err
	}

	s.logger.Debug("запрошено направление потока",
		slog.Int("stream_id", id),
		slog.String("direction", dir.String()))

	state := s.State()
	if state == StateInviteReceived || state == StateReinviteReceived {
		// при обработке предложения можно только сузить направление
		dir &= h.RequestedDirection()
	}

	h.Media().SetRequestedDirection(dir)
	h.SetDirection(dir, mt.PendingRemoteSend)
	return nil
}

// SetRemoteSession применяет удаленное SDP из предложения или ответа.
// Сессия хранит desc, пока медиа линии ссылаются на его описания.
func (s *Session) SetRemoteSession(desc *sip_media.RemoteSessionDescription) error {
	if desc == nil {
		return NewSessionError(ErrorCodeNoSupportedMedia, s.id, "пустое удаленное описание")
	}

	state := s.State()
	if state == StateInviteSent || state == StateReinviteSent {
		if err := s.changeState(StateResponseReceived); err != nil {
			return err
		}
	} else {
		// ответ должен содержать ровно столько же m= строк
		s.remoteStreamCount = len(desc.Media)
	}

	if !s.remote.Equal(desc) {
		s.backup = s.remote
		s.remote = desc

		state = s.State()
		authoritative := state == StateInviteReceived || state == StateReinviteReceived
		if err := s.updateRemoteMedia(authoritative); err != nil {
			s.metrics.remoteMediaResult("rejected")
			return err
		}
		s.metrics.remoteMediaResult("applied")

		if s.deferredRollback {
			s.deferredRollback = false
			s.rollback()
			return nil
		}
	}

	s.requestResponseStep()
	return nil
}

func (s *Session) updateRemoteMedia(authoritative bool) error {
	desc := s.remote

	s.remotePTime, _ = desc.Attribute("ptime")
	s.remoteMaxPTime, _ = desc.Attribute("maxptime")

	// включение отправки удаленной стороной требует согласия клиента;
	// при ожидающем предложении подтверждение откладывается до него
	pendingMask := mt.PendingLocalSend
	if s.pendingOffer {
		pendingMask |= mt.PendingRemoteSend
	}

	s.updatingRemote = true
	defer func() { s.updatingRemote = false }()

	hasSupported := false
	i := 0
	for ; i < len(desc.Media); i++ {
		md := desc.Media[i]

		var h stream.Handler
		if i >= len(s.entries) {
			var err error
			h, err = s.addStream(md.Type, sip_media.DirectionFromRemoteMedia(md), false)
			if err != nil {
				s.logger.Warn("не удалось создать поток для удаленной медиа",
					slog.Int("stream_id", i),
					slog.String("error", err.Error()))
				if len(s.entries) == i {
					s.entries = append(s.entries, nil)
				}
				continue
			}
		} else {
			h = s.entries[i]
		}
		if h == nil {
			continue
		}

		switch {
		case md.Rejected:
			s.logger.Debug("удаленная сторона отклонила поток", slog.Int("stream_id", i))
		case h.Media().Type() != md.Type:
			s.logger.Warn("удаленная сторона сменила тип медиа",
				slog.Int("stream_id", i),
				slog.String("old", h.Media().Type().String()),
				slog.String("new", md.TypeName))
		default:
			if err := h.Media().SetRemoteMedia(md, authoritative); err == nil {
				// поток мог закрыться из обработчика события
				if s.entries[i] != nil {
					h.SetDirection(h.Media().Direction(), pendingMask)
					hasSupported = true
				}
				continue
			}
		}
		h.Close()
	}

	if i < len(s.entries) && !s.pendingOffer {
		for ; i < len(s.entries); i++ {
			if h := s.entries[i]; h != nil {
				s.logger.Info("закрыт поток без пары в удаленном описании", slog.Int("stream_id", i))
				h.Close()
			}
		}
	}

	if !hasSupported {
		return NewSessionError(ErrorCodeNoSupportedMedia, s.id, "в удаленном описании нет поддерживаемых медиа")
	}
	s.updateRemoteHold()
	return nil
}

// updateRemoteHold удаленное удержание: ни один поток не просит отправки
func (s *Session) updateRemoteHold() {
	if s.localHoldOngoing() {
		// при локальном удержании отправку не просит ни один поток
		return
	}
	held := true
	hasStreams := false
	for _, h := range s.entries {
		if h == nil {
			continue
		}
		hasStreams = true
		if h.RequestedDirection()&mt.DirectionSend != 0 {
			held = false
		}
	}
	if !hasStreams || held == s.remoteHeld {
		return
	}

	s.remoteHeld = held
	s.logger.Info("изменено удаленное удержание", slog.Bool("held", held))
	s.emit(Event{Type: EventRemoteHoldChanged, RemoteHeld: held})
}

// Accept локальная сторона принимает вызов
func (s *Session) Accept() {
	if s.accepted {
		return
	}
	s.logger.Info("сессия принята")
	s.accepted = true

	s.applyStreamsPendingDirection(mt.PendingAll)
	s.requestResponseStep()
}

func (s *Session) applyStreamsPendingDirection(mask mt.PendingSend) {
	// локальные изменения ждут следующей транзакции re-INVITE
	if s.pendingOffer {
		mask &^= mt.PendingRemoteSend
	}
	for _, h := range s.entries {
		if h != nil {
			h.ApplyPendingDirection(mask)
		}
	}
}

func (s *Session) closeAllStreams() {
	for _, h := range s.entries {
		if h != nil {
			h.Close()
		}
	}
}

// ReceiveInvite входящий INVITE создал сессию
func (s *Session) ReceiveInvite() error {
	if s.State() != StateCreated {
		return NewSessionError(ErrorCodeInvalidTransition, s.id, "INVITE в состоянии %s", s.State())
	}
	s.remoteInitiated = true

	if err := s.signaling.Respond(180, "Ringing", nil); err != nil {
		s.logger.Warn("не удалось отправить 180", slog.String("error", err.Error()))
	}
	return s.changeState(StateInviteReceived)
}

// ReceiveReinvite получен re-INVITE от удаленной стороны
func (s *Session) ReceiveReinvite() error {
	return s.changeState(StateReinviteReceived)
}

// Terminate завершает сессию сообщением, подходящим для состояния
func (s *Session) Terminate() {
	state := s.State()
	if state == StateEnded {
		return
	}
	s.closeAllStreams()

	var err error
	switch state {
	case StateActive, StateResponseReceived, StateReinviteSent, StateReinvitePending:
		err = s.signaling.SendBye()
	case StateInviteSent:
		err = s.signaling.SendCancel()
	case StateInviteReceived:
		err = s.signaling.Respond(480, "Terminated", nil)
	case StateReinviteReceived:
		if err = s.signaling.Respond(480, "Terminated", nil); err == nil {
			err = s.signaling.SendBye()
		}
	}
	if err != nil {
		s.logger.Warn("ошибка сигнализации при завершении", slog.String("error", err.Error()))
	}

	_ = s.changeState(StateEnded)
}

// LocalSDP формирует описание из m= блоков без o=, s=, t=.
// Второе значение false, если нет ни одного открытого потока.
// Неокончательный ответ ограничен числом m= строк предложения.
func (s *Session) LocalSDP(authoritative bool) (*sdp.SessionDescription, bool) {
	count := len(s.entries)
	if !authoritative && count > s.remoteStreamCount {
		count = s.remoteStreamCount
		s.logger.Debug("ответ ограничен числом потоков предложения", slog.Int("streams", count))
	}

	desc := &sdp.SessionDescription{}
	hasSupported := false
	for i := 0; i < count; i++ {
		h := s.entries[i]
		if h == nil {
			desc.MediaDescriptions = append(desc.MediaDescriptions, holeMedia())
			continue
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, h.Media().MediaDescription(authoritative))
		hasSupported = true
	}
	return desc, hasSupported
}

func (s *Session) localNonReady() int {
	n := 0
	for _, h := range s.entries {
		if h != nil && !h.IsLocalReady() {
			n++
		}
	}
	return n
}

func (s *Session) codecIntersectPending() bool {
	for _, h := range s.entries {
		if h != nil && h.Media().IsCodecIntersectPending() {
			return true
		}
	}
	return false
}

func (s *Session) invite(reinvite bool) {
	body, ok := s.LocalSDP(true)
	if !ok {
		s.logger.Warn("нет потоков для предложения")
		return
	}
	if err := s.signaling.SendInvite(body, reinvite); err != nil {
		s.logger.Error("не удалось отправить INVITE",
			slog.Bool("reinvite", reinvite),
			slog.String("error", err.Error()))
		return
	}
	s.pendingOffer = false

	target := StateInviteSent
	if reinvite {
		target = StateReinviteSent
	}
	_ = s.changeState(target)
}

func (s *Session) respond() {
	body, ok := s.LocalSDP(false)
	if !ok {
		s.logger.Warn("нет потоков для ответа, откат")
		s.rollback()
		return
	}
	if err := s.signaling.Respond(200, "OK", body); err != nil {
		s.logger.Error("не удалось отправить ответ", slog.String("error", err.Error()))
		return
	}
	_ = s.changeState(StateActive)
}

// rollback восстанавливает предыдущее удаленное описание и отклоняет
// текущее предложение. Без предыдущего описания сессия завершается.
func (s *Session) rollback() {
	s.remote = nil
	if s.backup == nil {
		s.Terminate()
		return
	}

	s.logger.Info("откат к предыдущему удаленному описанию")
	s.remote = s.backup
	s.backup = nil

	if err := s.updateRemoteMedia(false); err != nil {
		s.logger.Warn("восстановленное описание не применилось", slog.String("error", err.Error()))
	}

	if err := s.signaling.Respond(488, "Not Acceptable Here", nil); err != nil {
		s.logger.Warn("не удалось отправить 488", slog.String("error", err.Error()))
	}
	_ = s.changeState(StateActive)
}

// requestResponseStep отправляет предложение или ответ, когда все
// потоки готовы
func (s *Session) requestResponseStep() {
	if s.updatingRemote {
		return
	}
	if n := s.localNonReady(); n != 0 {
		s.logger.Debug("не все потоки готовы, шаг отложен", slog.Int("non_ready", n))
		return
	}

	switch s.State() {
	case StateCreated:
		s.invite(false)
	case StateResponseReceived:
		if s.accepted && !s.codecIntersectPending() {
			_ = s.changeState(StateActive)
		}
	case StateInviteReceived:
		if s.accepted && !s.codecIntersectPending() {
			s.respond()
		}
	case StateReinviteReceived:
		if !s.codecIntersectPending() {
			s.respond()
		}
	case StateActive, StateReinvitePending:
		if s.pendingOffer {
			s.invite(true)
		}
	default:
		s.logger.Debug("в текущем состоянии шаг не требуется", slog.String("state", s.State().String()))
	}
}

func (s *Session) localMediaChanged() {
	switch s.State() {
	case StateCreated:
		s.requestResponseStep()
	case StateInviteReceived, StateReinviteReceived:
		// новые потоки сверх предложения требуют отдельного обмена
		if s.remoteStreamCount < len(s.entries) {
			s.pendingOffer = true
		}
	case StateInviteSent, StateReinviteSent, StateResponseReceived:
		s.pendingOffer = true
	case StateActive:
		if s.immutableStreams {
			s.logger.Info("локальное обновление медиа запрещено настройкой immutable streams")
			return
		}
		s.offerOrDefer()
	case StateReinvitePending:
		s.offerOrDefer()
	}
}

func (s *Session) offerOrDefer() {
	if s.localNonReady() == 0 {
		s.invite(true)
		return
	}
	s.pendingOffer = true
}

// ResolveGlare обрабатывает ответ 491 на наш re-INVITE. Возвращает
// интервал, по истечении которого нужно вызвать GlareRetry.
func (s *Session) ResolveGlare() (time.Duration, error) {
	if s.State() != StateReinviteSent {
		return 0, NewSessionError(ErrorCodeInvalidTransition, s.id, "коллизия re-INVITE в состоянии %s", s.State())
	}

	// RFC 3261 14.1: владелец Call-ID ждет 2.1-4 с, остальные 0-2 с, шаг 10 мс
	var interval time.Duration
	switch {
	case s.pendingOffer:
	case s.remoteInitiated:
		interval = time.Duration(s.randInt(200)) * 10 * time.Millisecond
	default:
		interval = time.Duration(210+s.randInt(190)) * 10 * time.Millisecond
	}

	s.logger.Debug("интервал разрешения коллизии", slog.Duration("interval", interval))

	if err := s.changeState(StateReinvitePending); err != nil {
		return 0, err
	}
	return interval, nil
}

// GlareRetry повторяет re-INVITE после интервала коллизии
func (s *Session) GlareRetry() {
	s.logger.Debug("интервал коллизии истек")
	if s.State() == StateReinvitePending {
		s.invite(true)
	}
}

// StartTelephonyEvent начинает DTMF событие на аудио потоке
func (s *Session) StartTelephonyEvent(id int, event uint8) error {
	ls, err := s.telephonyStream(id)
	if err != nil {
		return err
	}
	s.logger.Debug("начато событие telephone-event", slog.Int("stream_id", id), slog.Int("event", int(event)))
	return ls.StartTelephonyEvent(event)
}

// StopTelephonyEvent завершает DTMF событие
func (s *Session) StopTelephonyEvent(id int) error {
	ls, err := s.telephonyStream(id)
	if err != nil {
		return err
	}
	ls.StopTelephonyEvent()
	return nil
}

func (s *Session) telephonyStream(id int) (*stream.LegacyStream, error) {
	h, err := s.Stream(id)
	if err != nil {
		return nil, err
	}
	if h.Media().Type() != mt.MediaTypeAudio {
		return nil, NewSessionError(ErrorCodeUnsupportedMedia, s.id, "поток %d не аудио, telephone-event не поддерживается", id)
	}
	ls, ok := h.(*stream.LegacyStream)
	if !ok {
		return nil, NewSessionError(ErrorCodeUnsupportedMedia, s.id, "поток %d не передает telephone-event", id)
	}
	return ls, nil
}

// OnDirectionChanged реализует stream.Observer
func (s *Session) OnDirectionChanged(h stream.Handler, dir mt.Direction, pending mt.PendingSend) {
	s.emit(Event{
		Type:      EventStreamDirectionChanged,
		StreamID:  h.ID(),
		MediaType: h.Media().Type(),
		Direction: dir,
		Pending:   pending,
	})
}

// OnLocalMediaUpdated реализует stream.Observer
func (s *Session) OnLocalMediaUpdated(stream.Handler) {
	s.localMediaChanged()
}

// OnReady реализует stream.Observer
func (s *Session) OnReady(stream.Handler) {
	s.requestResponseStep()
}

// OnCodecsIntersected реализует stream.Observer
func (s *Session) OnCodecsIntersected(h stream.Handler, success bool) {
	s.metrics.codecIntersection(success)
	if !success {
		switch s.State() {
		case StateResponseReceived, StateInviteReceived:
			s.logger.Debug("нет общих кодеков, поток закрыт", slog.Int("stream_id", h.ID()))
			h.Close()
		case StateReinviteReceived:
			// уже согласованный поток не закрываем, откатываем всю сессию
			if s.updatingRemote {
				s.deferredRollback = true
			} else {
				s.rollback()
			}
			return
		default:
			return
		}
	}
	s.requestResponseStep()
}

// OnCandidatesRejected реализует stream.Observer
func (s *Session) OnCandidatesRejected(_ stream.Handler, count int) {
	s.metrics.candidatesRejected.Add(float64(count))
}

// OnClosed реализует stream.Observer
func (s *Session) OnClosed(h stream.Handler) {
	id := h.ID()
	if id >= len(s.entries) || s.entries[id] != h {
		return
	}
	s.entries[id] = nil
	s.metrics.streamsActive.Dec()

	s.logger.Debug("поток закрыт", slog.Int("stream_id", id))
	s.emit(Event{Type: EventStreamRemoved, StreamID: id, MediaType: h.Media().Type()})
}
