package stream

import (
	"log/slog"
	"net/netip"

	"github.com/arzzra/sip_negotiation/pkg/direction"
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// FlowState состояние потока данных в одну сторону
type FlowState int

const (
	FlowStopped FlowState = iota
	FlowPendingStart
	FlowStarted
	FlowPendingStop
)

func (f FlowState) String() string {
	switch f {
	case FlowStopped:
		return "stopped"
	case FlowPendingStart:
		return "pending-start"
	case FlowStarted:
		return "started"
	case FlowPendingStop:
		return "pending-stop"
	default:
		return "unknown"
	}
}

// LocalCandidate кандидат, который клиент предлагает для медиа линии
type LocalCandidate struct {
	Component  int
	Address    string
	Port       int
	Proto      Proto
	Foundation string
	Priority   uint32
}

// CallClient сторона медиа клиента потока с кандидатами
type CallClient interface {
	RemoteCodecsOffered(codecs []mt.Codec)
	RemoteCandidatesAdded(candidates []mt.Candidate)
	SendingStateChanged(state FlowState)
	ReceivingStateChanged(state FlowState)
	HoldRequested(hold bool)
	Closed()
}

// CandidateStream адаптер потока с ICE-lite кандидатами
type CandidateStream struct {
	*base
	client CallClient

	sendingState   FlowState
	receivingState FlowState
}

// NewCandidateStream создает адаптер потока с кандидатами
func NewCandidateStream(cfg Config, client CallClient) (*CandidateStream, error) {
	if client == nil {
		return nil, ErrInvalidConfig
	}
	s := &CandidateStream{client: client}
	b, err := newBase(cfg, s, s, "candidate_stream")
	if err != nil {
		return nil, err
	}
	s.base = b
	s.sendingState = s.computeSendingState()
	s.receivingState = s.computeReceivingState()
	return s, nil
}

// AddLocalCandidates добавляет кандидатов клиента. Кандидаты с неверным
// компонентом, портом, протоколом или адресом отбрасываются. Если не
// принят ни один, возвращается ErrNoValidCandidates.
func (s *CandidateStream) AddLocalCandidates(candidates []LocalCandidate) (int, error) {
	if s.media.LocalCandidatesFrozen() {
		return 0, ErrCandidatesFrozen
	}

	accepted := 0
	for _, c := range candidates {
		if reason := checkLocalCandidate(c); reason != "" {
			s.logger.Warn("кандидат отброшен",
				slog.String("reason", reason),
				slog.Int("component", c.Component),
				slog.String("address", c.Address),
				slog.Int("port", c.Port))
			continue
		}
		s.media.TakeLocalCandidate(mt.Candidate{
			Component:  c.Component,
			Address:    c.Address,
			Port:       c.Port,
			Foundation: c.Foundation,
			Priority:   c.Priority,
		})
		accepted++
	}

	if rejected := len(candidates) - accepted; rejected > 0 {
		s.observer.OnCandidatesRejected(s, rejected)
	}
	if accepted == 0 {
		return 0, ErrNoValidCandidates
	}
	return accepted, nil
}

func checkLocalCandidate(c LocalCandidate) string {
	if c.Component != mt.ComponentRTP && c.Component != mt.ComponentRTCP {
		return "компонент"
	}
	if c.Port < 0 || c.Port > 65535 {
		return "порт"
	}
	if c.Proto != ProtoUDP {
		return "протокол"
	}
	if _, err := netip.ParseAddr(c.Address); err != nil {
		return "адрес"
	}
	return ""
}

// FinishInitialCandidates клиент закончил сбор кандидатов
func (s *CandidateStream) FinishInitialCandidates() bool {
	return s.media.LocalCandidatesPrepared()
}

// SetLocalCodecs клиент передает локальные кодеки или результат пересечения
func (s *CandidateStream) SetLocalCodecs(codecs []mt.Codec) {
	s.media.TakeLocalCodecs(codecs)
}

// RejectCodecs клиент не нашел общих кодеков
func (s *CandidateStream) RejectCodecs() {
	s.media.CodecsRejected()
}

// SetSending клиент подтверждает начало или остановку отправки
func (s *CandidateStream) SetSending(sending bool) {
	if sending {
		s.ApplyPendingDirection(mt.PendingLocalSend)
		return
	}
	s.SetDirection(s.Direction()&^mt.DirectionSend, mt.PendingAll)
}

// RequestReceiving клиент сообщает готов ли он принимать медиа
func (s *CandidateStream) RequestReceiving(receive bool) {
	s.media.SetCanReceive(receive)
	s.updateFlows()
}

// SendingState текущее состояние отправки
func (s *CandidateStream) SendingState() FlowState { return s.sendingState }

// ReceivingState текущее состояние приема
func (s *CandidateStream) ReceivingState() FlowState { return s.receivingState }

func (s *CandidateStream) computeSendingState() FlowState {
	switch {
	case direction.Sending(s.state, s.observer.IsAccepted()):
		return FlowStarted
	case s.state.Pending&mt.PendingLocalSend != 0:
		return FlowPendingStart
	default:
		return FlowStopped
	}
}

func (s *CandidateStream) computeReceivingState() FlowState {
	receive := s.state.Direction.Has(mt.DirectionReceive)
	canReceive := s.media.CanReceive()
	switch {
	case receive && canReceive:
		return FlowStarted
	case receive:
		return FlowPendingStart
	case canReceive:
		return FlowPendingStop
	default:
		return FlowStopped
	}
}

func (s *CandidateStream) updateFlows() {
	if st := s.computeSendingState(); st != s.sendingState {
		s.sendingState = st
		s.client.SendingStateChanged(st)
	}
	if st := s.computeReceivingState(); st != s.receivingState {
		s.receivingState = st
		s.client.ReceivingStateChanged(st)
	}
}

func (s *CandidateStream) remoteCodecs(codecs []mt.Codec) {
	s.client.RemoteCodecsOffered(codecs)
}

func (s *CandidateStream) remoteCandidates(candidates []mt.Candidate) {
	s.client.RemoteCandidatesAdded(candidates)
}

func (s *CandidateStream) directionChanged(direction.State) {
	s.updateFlows()
}

func (s *CandidateStream) sendingChanged(bool) {
	s.updateFlows()
}

func (s *CandidateStream) holdRequested(hold bool) {
	s.client.HoldRequested(hold)
}

func (s *CandidateStream) streamClosed() {
	s.client.Closed()
}
