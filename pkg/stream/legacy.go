package stream

import (
	"fmt"
	"log/slog"

	"github.com/arzzra/sip_negotiation/pkg/direction"
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// Proto транспортный протокол кандидата
type Proto int

const (
	ProtoUDP Proto = iota
	ProtoTCP
)

func (p Proto) String() string {
	if p == ProtoTCP {
		return "TCP"
	}
	return "UDP"
}

// LegacyTransport транспорт нативного кандидата классического клиента
type LegacyTransport struct {
	Component  int
	IP         string
	Port       int
	Proto      Proto
	Preference float64
}

// LegacyClient сторона медиа клиента классического обработчика потока
type LegacyClient interface {
	SetRemoteCodecs(codecs []mt.Codec)
	SetRemoteCandidateList(candidateID string, transports []LegacyTransport)
	SetStreamSending(sending bool)
	SetStreamPlaying(playing bool)
	SetStreamHeld(held bool)
	StartTelephonyEvent(payloadType uint8, event uint8)
	StopTelephonyEvent()
	Close()
}

// LegacyStream адаптер классического обработчика потока.
//
// Пока клиент не вызвал Ready, удаленные кодеки и кандидаты копятся
// и передаются ему одной пачкой после готовности.
type LegacyStream struct {
	*base
	client LegacyClient

	readyReceived      bool
	codecsPushPending  bool
	candidatesPending  bool
	pendingCodecs      []mt.Codec
	pendingCandidates  []mt.Candidate
	playing            bool
	remoteCandidateID  string
	remoteCandidateSeq int
}

// NewLegacyStream создает адаптер классического клиента
func NewLegacyStream(cfg Config, client LegacyClient) (*LegacyStream, error) {
	if client == nil {
		return nil, ErrInvalidConfig
	}
	s := &LegacyStream{client: client}
	b, err := newBase(cfg, s, s, "legacy_stream")
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

// Ready клиент готов к работе и передает свои кодеки
func (s *LegacyStream) Ready(codecs []mt.Codec) {
	if s.readyReceived {
		s.logger.Warn("повторный Ready от клиента")
		return
	}
	s.readyReceived = true
	s.logger.Debug("клиент готов", slog.Int("codecs", len(codecs)))

	// пока идет пересечение, кодеки возможностей не являются его результатом
	if !(s.media.IsCodecIntersectPending() && s.codecsPushPending) && len(codecs) > 0 {
		s.media.TakeLocalCodecs(codecs)
	}

	s.client.SetStreamPlaying(s.playing)
	s.client.SetStreamSending(s.sending)

	if s.candidatesPending {
		s.candidatesPending = false
		s.pushCandidates(s.pendingCandidates)
		s.pendingCandidates = nil
	}
	if s.codecsPushPending {
		s.codecsPushPending = false
		s.pushCodecs(s.pendingCodecs)
		s.pendingCodecs = nil
	}

	s.media.SetCanReceive(true)
	s.setPlaying(true)
}

// SetLocalCodecs клиент передает локальные кодеки
func (s *LegacyStream) SetLocalCodecs(codecs []mt.Codec) {
	s.media.TakeLocalCodecs(codecs)
}

// CodecsUpdated клиент изменил параметры ранее переданных кодеков
func (s *LegacyStream) CodecsUpdated(codecs []mt.Codec) error {
	if len(s.media.LocalCodecs()) == 0 {
		return ErrCodecsNotProvided
	}
	s.media.TakeLocalCodecs(codecs)
	return nil
}

// SupportedCodecs результат пересечения с удаленными кодеками.
// Пустой список означает что общих кодеков нет.
func (s *LegacyStream) SupportedCodecs(codecs []mt.Codec) {
	if !s.media.IsCodecIntersectPending() {
		s.logger.Warn("SupportedCodecs без активного пересечения")
		return
	}
	if len(codecs) == 0 {
		s.media.CodecsRejected()
		return
	}
	s.media.TakeLocalCodecs(codecs)
}

// NewNativeCandidate клиент сообщает нативного кандидата. Передаются
// только UDP транспорты, приоритет пропорционален предпочтению.
func (s *LegacyStream) NewNativeCandidate(candidateID string, transports []LegacyTransport) error {
	if s.media.LocalCandidatesFrozen() {
		return fmt.Errorf("%w: кандидат %s", ErrCandidatesFrozen, candidateID)
	}
	for _, t := range transports {
		if t.Proto != ProtoUDP {
			s.logger.Debug("транспорт пропущен",
				slog.String("candidate", candidateID),
				slog.String("proto", t.Proto.String()))
			continue
		}
		s.media.TakeLocalCandidate(mt.Candidate{
			Component:  t.Component,
			Address:    t.IP,
			Port:       t.Port,
			Foundation: candidateID,
			Priority:   uint32(uint(t.Preference)) * 65536,
		})
	}
	return nil
}

// NativeCandidatesPrepared клиент закончил сбор кандидатов
func (s *LegacyStream) NativeCandidatesPrepared() {
	if !s.media.LocalCandidatesPrepared() {
		s.logger.Debug("кандидаты уже зафиксированы или их нет")
	}
}

// NewActiveCandidatePair клиент выбрал пару кандидатов
func (s *LegacyStream) NewActiveCandidatePair(nativeID, remoteID string) error {
	if remoteID != s.remoteCandidateID {
		return fmt.Errorf("%w: %s, ожидался %s", ErrCandidateMismatch, remoteID, s.remoteCandidateID)
	}
	s.logger.Debug("выбрана пара кандидатов",
		slog.String("native", nativeID), slog.String("remote", remoteID))
	return nil
}

// Error клиент сообщает о фатальной ошибке потока
func (s *LegacyStream) Error(code int, message string) {
	s.logger.Error("ошибка медиа потока", slog.Int("code", code), slog.String("message", message))
	s.Close()
}

// StartTelephonyEvent начинает передачу DTMF события
func (s *LegacyStream) StartTelephonyEvent(event uint8) error {
	pt, ok := s.media.TelephonyEventPayload()
	if !ok {
		return ErrTelephonyNotSupported
	}
	s.client.StartTelephonyEvent(pt, event)
	return nil
}

// StopTelephonyEvent останавливает передачу DTMF события
func (s *LegacyStream) StopTelephonyEvent() {
	s.client.StopTelephonyEvent()
}

func (s *LegacyStream) setPlaying(playing bool) {
	if s.playing == playing {
		return
	}
	s.playing = playing
	if s.readyReceived {
		s.client.SetStreamPlaying(playing)
	}
}

// pushCodecs дополняет кодеки ptime и maxptime удаленной стороны
func (s *LegacyStream) pushCodecs(codecs []mt.Codec) {
	ptime, maxptime := s.media.RemotePTime()
	out := mt.CloneCodecs(codecs)
	for i := range out {
		if ptime != "" {
			out[i].AddParam("ptime", ptime)
		}
		if maxptime != "" {
			out[i].AddParam("maxptime", maxptime)
		}
	}
	s.client.SetRemoteCodecs(out)
}

func (s *LegacyStream) pushCandidates(candidates []mt.Candidate) {
	var transports []LegacyTransport
	for _, c := range candidates {
		if c.Component != mt.ComponentRTP && c.Component != mt.ComponentRTCP {
			continue
		}
		transports = append(transports, LegacyTransport{
			Component: c.Component,
			IP:        c.Address,
			Port:      c.Port,
			Proto:     ProtoUDP,
		})
	}
	if len(transports) == 0 {
		return
	}
	s.remoteCandidateSeq++
	s.remoteCandidateID = fmt.Sprintf("L%d", s.remoteCandidateSeq)
	s.client.SetRemoteCandidateList(s.remoteCandidateID, transports)
}

func (s *LegacyStream) remoteCodecs(codecs []mt.Codec) {
	if !s.readyReceived {
		s.codecsPushPending = true
		s.pendingCodecs = codecs
		return
	}
	s.pushCodecs(codecs)
}

func (s *LegacyStream) remoteCandidates(candidates []mt.Candidate) {
	if !s.readyReceived {
		s.candidatesPending = true
		s.pendingCandidates = candidates
		return
	}
	s.pushCandidates(candidates)
}

func (s *LegacyStream) directionChanged(direction.State) {}

func (s *LegacyStream) sendingChanged(sending bool) {
	if s.readyReceived {
		s.client.SetStreamSending(sending)
	}
}

func (s *LegacyStream) holdRequested(hold bool) {
	s.client.SetStreamHeld(hold)
}

func (s *LegacyStream) streamClosed() {
	s.client.Close()
}
