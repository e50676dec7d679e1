// Package sip_media реализует состояние согласования одной медиа линии SDP:
// локальные и удаленные кодеки и кандидаты, запрошенное и фактическое
// направление, флаг удержания и автомат пересечения кодеков.
package sip_media

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/arzzra/sip_negotiation/pkg/codec_params"
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// Owner сессия, которой принадлежит медиа линия
type Owner interface {
	// RTCPEnabled сообщает включен ли RTCP для удаленной медиа линии
	RTCPEnabled(desc *RemoteMediaDescription) bool
	// PTime возвращает ptime и maxptime уровня сессии, пустые если не заданы
	PTime() (ptime, maxptime string)
}

// MediaConfig параметры создания медиа линии
type MediaConfig struct {
	Type               mt.MediaType
	Name               string
	RequestedDirection mt.Direction
	CreatedLocally     bool
	HoldRequested      bool

	Owner    Owner
	Registry *codec_params.Registry
	Logger   *slog.Logger
}

// DefaultMediaConfig возвращает конфигурацию двунаправленной локальной линии
func DefaultMediaConfig(mediaType mt.MediaType) MediaConfig {
	return MediaConfig{
		Type:               mediaType,
		Name:               mediaType.String(),
		RequestedDirection: mt.DirectionBidirectional,
		CreatedLocally:     true,
		Registry:           codec_params.Default(),
	}
}

// Validate проверяет конфигурацию
func (c *MediaConfig) Validate() error {
	if c.Type != mt.MediaTypeAudio && c.Type != mt.MediaTypeVideo {
		return NewNegotiationError(ErrorCodeInvalidConfig, c.Name, "неподдерживаемый тип медиа %s", c.Type)
	}
	if c.RequestedDirection > mt.DirectionBidirectional {
		return NewNegotiationError(ErrorCodeInvalidConfig, c.Name, "некорректное направление %d", c.RequestedDirection)
	}
	return nil
}

// Media состояние согласования одной медиа линии.
//
// Все методы вызываются из одного потока обработки событий. Обработчики
// событий могут синхронно вызывать методы той же Media.
type Media struct {
	mediaType      mt.MediaType
	name           string
	createdLocally bool
	holdRequested  bool

	requestedDirection mt.Direction
	direction          mt.Direction

	localCodecs        []mt.Codec
	localCandidates    []mt.Candidate
	candidatesPrepared bool

	// remoteMedia заимствованная ссылка, см. RemoteMediaDescription
	remoteMedia      *RemoteMediaDescription
	remoteCodecs     []mt.Codec
	remoteCodecOffer []mt.Codec
	remoteCandidates []mt.Candidate

	codecIntersectPending     bool
	pushRemoteCodecsPending   bool
	pushCandidatesOnNewCodecs bool
	canReceive                bool
	ready                     bool

	owner    Owner
	registry *codec_params.Registry
	handlers []EventHandler
	logger   *slog.Logger
}

// NewMedia создает медиа линию
func NewMedia(cfg MediaConfig) (*Media, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type.String()
	}
	if cfg.Registry == nil {
		cfg.Registry = codec_params.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "sip_media"))
	}

	return &Media{
		mediaType:          cfg.Type,
		name:               cfg.Name,
		createdLocally:     cfg.CreatedLocally,
		holdRequested:      cfg.HoldRequested,
		requestedDirection: cfg.RequestedDirection,
		direction:          cfg.RequestedDirection,
		owner:              cfg.Owner,
		registry:           cfg.Registry,
		logger:             cfg.Logger.With(slog.String("media", cfg.Name)),
	}, nil
}

// Subscribe добавляет обработчик событий
func (m *Media) Subscribe(h EventHandler) {
	m.handlers = append(m.handlers, h)
}

func (m *Media) emit(ev Event) {
	ev.Media = m
	handlers := append([]EventHandler(nil), m.handlers...)
	for _, h := range handlers {
		h(ev)
	}
}

func (m *Media) Type() mt.MediaType { return m.mediaType }
func (m *Media) Name() string { return m.name }
func (m *Media) CreatedLocally() bool { return m.createdLocally }
func (m *Media) HoldRequested() bool { return m.holdRequested }
func (m *Media) RequestedDirection() mt.Direction { return m.requestedDirection }
func (m *Media) Direction() mt.Direction { return m.direction }
func (m *Media) RemoteMedia() *RemoteMediaDescription { return m.remoteMedia }
func (m *Media) IsCodecIntersectPending() bool { return m.codecIntersectPending }
func (m *Media) LocalCandidatesFrozen() bool { return m.candidatesPrepared }
func (m *Media) CanReceive() bool { return m.canReceive }

// LocalCodecs возвращает копию локального списка кодеков
func (m *Media) LocalCodecs() []mt.Codec {
	return mt.CloneCodecs(m.localCodecs)
}

// LocalCandidates возвращает копию локального списка кандидатов
func (m *Media) LocalCandidates() []mt.Candidate {
	return append([]mt.Candidate(nil), m.localCandidates...)
}

// RemoteCodecs возвращает кодеки последнего удаленного описания или nil
func (m *Media) RemoteCodecs() []mt.Codec {
	return mt.CloneCodecs(m.remoteCodecs)
}

// RemoteCodecOffer снимок удаленных кодеков, пока идет пересечение
func (m *Media) RemoteCodecOffer() []mt.Codec {
	return mt.CloneCodecs(m.remoteCodecOffer)
}

// RemoteCandidates возвращает кандидатов удаленной стороны или nil
func (m *Media) RemoteCandidates() []mt.Candidate {
	if m.remoteCandidates == nil {
		return nil
	}
	return append([]mt.Candidate(nil), m.remoteCandidates...)
}

// RemotePTime возвращает ptime и maxptime: атрибуты медиа линии имеют
// приоритет над атрибутами сессии.
func (m *Media) RemotePTime() (ptime, maxptime string) {
	if m.owner != nil {
		ptime, maxptime = m.owner.PTime()
	}
	if m.remoteMedia != nil {
		if v, ok := m.remoteMedia.Attribute("ptime"); ok {
			ptime = v
		}
		if v, ok := m.remoteMedia.Attribute("maxptime"); ok {
			maxptime = v
		}
	}
	return ptime, maxptime
}

// SetRequestedDirection задает направление, которого хочет локальная сторона
func (m *Media) SetRequestedDirection(dir mt.Direction) {
	m.requestedDirection = dir & mt.DirectionBidirectional
}

// SetHoldRequested задает флаг запроса удержания.
// Возвращает false, если значение не изменилось.
func (m *Media) SetHoldRequested(hold bool) bool {
	if m.holdRequested == hold {
		return false
	}
	m.holdRequested = hold
	m.updateReady()
	return true
}

// SetCanReceive сообщает что локальный клиент готов принимать медиа
func (m *Media) SetCanReceive(canReceive bool) {
	if m.canReceive == canReceive {
		return
	}
	m.canReceive = canReceive
	m.updateReady()
}

func (m *Media) checkRemoteMedia(desc *RemoteMediaDescription) error {
	if desc == nil || desc.Rejected || desc.Port == 0 {
		return NewNegotiationError(ErrorCodeRemoteMediaRejected, m.name, "медиа отклонена удаленной стороной")
	}
	if desc.Proto != ExpectedProto {
		return NewNegotiationError(ErrorCodeRemoteProtoUnsupported, m.name, "удаленный протокол %q не RTP/AVP", desc.Proto)
	}
	if desc.Connection == nil || desc.Connection.Address == "" {
		return NewNegotiationError(ErrorCodeRemoteNoConnection, m.name, "нет адреса соединения")
	}
	if len(desc.RTPMaps) == 0 {
		return NewNegotiationError(ErrorCodeRemoteNoCodecs, m.name, "нет допустимых кодеков")
	}
	return nil
}

// SetRemoteMedia применяет удаленное описание медиа линии.
//
// authoritative означает что описание окончательное (ответ или принятое
// предложение): тогда удаленная сторона может поднять направление до
// двунаправленного, или только до отправки если запрошено удержание.
// Иначе направление не может превысить запрошенное.
//
// Отклоненное описание только запоминается: направление, кодеки и
// кандидаты остаются прежними, события не отправляются.
func (m *Media) SetRemoteMedia(desc *RemoteMediaDescription, authoritative bool) error {
	old := m.remoteMedia
	m.remoteMedia = desc

	if err := m.checkRemoteMedia(desc); err != nil {
		m.logger.Warn("удаленное описание медиа отклонено", slog.String("error", err.Error()))
		return err
	}

	newDirection := DirectionFromRemoteMedia(desc)

	var upMask mt.Direction
	if authoritative {
		upMask = mt.DirectionBidirectional
		if m.holdRequested {
			upMask = mt.DirectionSend
		}
	}
	newDirection &= m.requestedDirection | upMask

	m.direction = newDirection

	if old != nil && old.Equal(desc) {
		m.logger.Debug("изменений в медиа описании не обнаружено")
		m.updateReady()
		return nil
	}

	transportChanged, codecsChanged := true, true
	if old != nil {
		transportChanged = !old.transportEqual(desc)
		codecsChanged = !old.rtpmapsEqual(desc)
	}

	m.logger.Debug("применено удаленное описание",
		slog.String("direction", newDirection.String()),
		slog.Bool("transport_changed", transportChanged),
		slog.Bool("codecs_changed", codecsChanged))

	if codecsChanged {
		m.remoteCodecs = m.codecsFromRemote(desc)
	}
	if transportChanged {
		m.remoteCandidates = m.candidatesFromRemote(desc)
		if codecsChanged {
			// новый транспорт отдаем клиенту только вместе с новыми кодеками
			m.pushCandidatesOnNewCodecs = true
		} else {
			m.pushRemoteCandidates()
		}
	}
	if codecsChanged {
		m.pushRemoteCodecs()
	}

	m.updateReady()
	return nil
}

func (m *Media) codecsFromRemote(desc *RemoteMediaDescription) []mt.Codec {
	codecs := make([]mt.Codec, 0, len(desc.RTPMaps))
	for _, rm := range desc.RTPMaps {
		codec := mt.Codec{
			PayloadType:  rm.PayloadType,
			EncodingName: rm.EncodingName,
			ClockRate:    rm.ClockRate,
			Channels:     rm.Channels,
		}
		if rm.Fmtp != "" {
			m.registry.Parse(m.mediaType, &codec, rm.Fmtp)
		}
		codecs = append(codecs, codec)
	}
	return codecs
}

func (m *Media) candidatesFromRemote(desc *RemoteMediaDescription) []mt.Candidate {
	rtp := mt.Candidate{
		Component: mt.ComponentRTP,
		Address:   desc.Connection.Address,
		Port:      desc.Port,
	}
	candidates := []mt.Candidate{rtp}

	if m.owner != nil && !m.owner.RTCPEnabled(desc) {
		return candidates
	}
	if v, ok := desc.Attribute("rtcp"); ok {
		if rtcp, ok := remoteRTCPCandidate(v, rtp); ok {
			return append(candidates, rtcp)
		}
		m.logger.Warn("некорректный атрибут rtcp", slog.String("value", v))
	}
	return append(candidates, mt.Candidate{
		Component: mt.ComponentRTCP,
		Address:   rtp.Address,
		Port:      rtp.Port + 1,
	})
}

func (m *Media) pushRemoteCodecs() {
	if m.remoteCodecs == nil {
		return
	}
	if m.codecIntersectPending {
		// пересечение уже идет, новое начнем по его результату
		m.pushRemoteCodecsPending = true
		return
	}
	m.codecIntersectPending = true
	m.remoteCodecOffer = mt.CloneCodecs(m.remoteCodecs)
	m.emit(Event{Type: EventRemoteCodecs, Codecs: mt.CloneCodecs(m.remoteCodecs)})
}

func (m *Media) pushRemoteCandidates() {
	if len(m.remoteCandidates) == 0 {
		return
	}
	m.emit(Event{Type: EventRemoteCandidates, Candidates: m.RemoteCandidates()})
}

// TakeLocalCodecs принимает локальные кодеки. Пока идет пересечение,
// список считается его результатом; пустой результат означает отказ.
func (m *Media) TakeLocalCodecs(codecs []mt.Codec) {
	if m.codecIntersectPending && len(codecs) == 0 {
		m.CodecsRejected()
		return
	}

	m.localCodecs = mt.CloneCodecs(codecs)

	switch {
	case m.pushRemoteCodecsPending:
		m.pushRemoteCodecsPending = false
		m.remoteCodecOffer = mt.CloneCodecs(m.remoteCodecs)
		m.emit(Event{Type: EventRemoteCodecs, Codecs: mt.CloneCodecs(m.remoteCodecs)})
	case m.codecIntersectPending:
		m.codecIntersectPending = false
		m.remoteCodecOffer = nil
		pushCandidates := m.pushCandidatesOnNewCodecs
		m.pushCandidatesOnNewCodecs = false
		m.emit(Event{Type: EventCodecsIntersected, Success: true, Codecs: m.LocalCodecs()})
		if pushCandidates {
			m.pushRemoteCandidates()
		}
	default:
		m.emit(Event{Type: EventLocalUpdated})
	}

	m.updateReady()
}

// CodecsRejected сообщает что пересечение кодеков пусто
func (m *Media) CodecsRejected() {
	if !m.codecIntersectPending {
		m.logger.Warn("отказ от кодеков без активного пересечения")
		return
	}
	m.codecIntersectPending = false
	m.pushRemoteCodecsPending = false
	m.pushCandidatesOnNewCodecs = false
	m.remoteCodecOffer = nil

	m.logger.Info("пересечение кодеков пусто")
	m.emit(Event{Type: EventCodecsIntersected, Success: false})
	m.updateReady()
}

// TakeLocalCandidate добавляет локального кандидата. Вызов после
// LocalCandidatesPrepared является ошибкой программы.
func (m *Media) TakeLocalCandidate(c mt.Candidate) {
	if m.candidatesPrepared {
		panic(fmt.Sprintf("sip_media: кандидат %s добавлен в %s после завершения сбора", c, m.name))
	}
	m.localCandidates = append(m.localCandidates, c)
}

// LocalCandidatesPrepared фиксирует список локальных кандидатов.
// Возвращает false, если список уже зафиксирован или пуст.
func (m *Media) LocalCandidatesPrepared() bool {
	if m.candidatesPrepared || len(m.localCandidates) == 0 {
		return false
	}
	m.candidatesPrepared = true
	m.updateReady()
	return true
}

// IsReady сообщает готова ли медиа линия к генерации SDP
func (m *Media) IsReady() bool {
	if !m.candidatesPrepared || len(m.localCodecs) == 0 || m.codecIntersectPending {
		return false
	}
	return m.direction&mt.DirectionReceive == 0 || m.canReceive || m.holdRequested
}

func (m *Media) updateReady() {
	ready := m.IsReady()
	if ready == m.ready {
		return
	}
	m.ready = ready
	if ready {
		m.emit(Event{Type: EventReady})
	}
}

// TelephonyEventPayload возвращает payload type кодека telephone-event
func (m *Media) TelephonyEventPayload() (uint8, bool) {
	for _, c := range m.localCodecs {
		if strings.EqualFold(c.EncodingName, "telephone-event") {
			return c.PayloadType, true
		}
	}
	return 0, false
}
