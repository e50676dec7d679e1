package sip_session

import (
	"log/slog"
	"math/rand/v2"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/sip_negotiation/pkg/codec_params"
	"github.com/arzzra/sip_negotiation/pkg/stream"
)

// Signaling сторона SIP стека, через которую сессия отправляет
// предложения и ответы. Описание приходит без o=, s=, t=: их заполняет
// сигнализация.
type Signaling interface {
	// SendInvite отправляет INVITE или re-INVITE с предложением
	SendInvite(desc *sdp.SessionDescription, reinvite bool) error
	// Respond отвечает на текущий входящий INVITE. desc nil для ответа без тела.
	Respond(status int, reason string, desc *sdp.SessionDescription) error
	SendBye() error
	SendCancel() error
}

// StreamFactory создает адаптер потока для новой медиа линии
type StreamFactory func(cfg stream.Config) (stream.Handler, error)

// Config параметры сессии
type Config struct {
	// Peer идентификатор удаленной стороны
	Peer      string
	Signaling Signaling
	NewStream StreamFactory
	Registry  *codec_params.Registry
	// Metrics если nil, метрики собираются без регистрации
	Metrics *Metrics
	// ImmutableStreams запрещает re-INVITE при локальных изменениях
	ImmutableStreams bool
	// RandInt возвращает случайное число в [0, n) для интервала коллизии
	RandInt func(n int) int
	Logger  *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Registry: codec_params.Default(),
		RandInt:  rand.IntN,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Signaling == nil {
		return NewSessionError(ErrorCodeInvalidConfig, "", "не задана сигнализация")
	}
	if c.NewStream == nil {
		return NewSessionError(ErrorCodeInvalidConfig, "", "не задана фабрика потоков")
	}
	return nil
}

// LegacyStreamFactory создает классические потоки. newClient вызывается
// для каждой новой медиа линии.
func LegacyStreamFactory(newClient func(cfg stream.Config) stream.LegacyClient) StreamFactory {
	return func(cfg stream.Config) (stream.Handler, error) {
		s, err := stream.NewLegacyStream(cfg, newClient(cfg))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// CandidateStreamFactory создает потоки с ICE-lite кандидатами
func CandidateStreamFactory(newClient func(cfg stream.Config) stream.CallClient) StreamFactory {
	return func(cfg stream.Config) (stream.Handler, error) {
		s, err := stream.NewCandidateStream(cfg, newClient(cfg))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
