// sdp_answer строит SDP ответ на удаленное предложение по файлу
// локальных возможностей. В режиме --listen отвечает на входящие
// INVITE через SIP стек.
//
//	sdp_answer --config caps.yaml --remote offer.sdp [--hold]
//	sdp_answer --config caps.yaml --listen udp:192.0.2.1:5060 [--hold]
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/arzzra/sip_negotiation/pkg/codec_params"
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
	"github.com/arzzra/sip_negotiation/pkg/signaling"
	"github.com/arzzra/sip_negotiation/pkg/sip_media"
	"github.com/arzzra/sip_negotiation/pkg/sip_session"
	"github.com/arzzra/sip_negotiation/pkg/stream"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ошибка: %v\n", err)
		os.Exit(1)
	}
}

// answerCollector сигнализация, которая только запоминает ответ
type answerCollector struct {
	status int
	reason string
	desc   *sdp.SessionDescription
}

func (a *answerCollector) SendInvite(*sdp.SessionDescription, bool) error {
	return errors.New("предложение не поддерживается")
}

func (a *answerCollector) Respond(status int, reason string, desc *sdp.SessionDescription) error {
	if status >= 200 {
		a.status, a.reason, a.desc = status, reason, desc
	}
	return nil
}

func (a *answerCollector) SendBye() error { return nil }
func (a *answerCollector) SendCancel() error { return nil }

type nopClient struct{}

func (nopClient) RemoteCodecsOffered([]mt.Codec) {}
func (nopClient) RemoteCandidatesAdded([]mt.Candidate) {}
func (nopClient) SendingStateChanged(stream.FlowState) {}
func (nopClient) ReceivingStateChanged(stream.FlowState) {}
func (nopClient) HoldRequested(bool) {}
func (nopClient) Closed() {}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var configPath, remotePath, listen string
	var hold, debug bool

	flags := pflag.NewFlagSet("sdp_answer", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&configPath, "config", "capabilities.yaml", "файл локальных возможностей (YAML)")
	flags.StringVar(&remotePath, "remote", "-", "файл с удаленным предложением SDP, - для stdin")
	flags.StringVar(&listen, "listen", "", "принимать вызовы по SIP, например udp:192.0.2.1:5060")
	flags.BoolVar(&hold, "hold", false, "ответить с удержанием")
	flags.BoolVar(&debug, "debug", false, "подробный лог в stderr")
	if err := flags.Parse(args); err != nil {
		return err
	}

	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	caps, err := loadCapabilities(configPath)
	if err != nil {
		return err
	}

	if listen != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, caps, listen, hold, logger)
	}

	var body []byte
	if remotePath == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(remotePath)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read remote SDP")
	}

	answer, err := buildAnswer(caps, body, hold, logger)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, answer)
	return err
}

func sessionConfig(logger *slog.Logger) sip_session.Config {
	cfg := sip_session.DefaultConfig()
	cfg.Logger = logger
	cfg.NewStream = sip_session.CandidateStreamFactory(func(stream.Config) stream.CallClient {
		return nopClient{}
	})
	return cfg
}

// buildAnswer применяет предложение к новой сессии и возвращает полный SDP ответа
func buildAnswer(caps *capabilities, offer []byte, hold bool, logger *slog.Logger) (string, error) {
	remote, err := sip_media.ParseRemoteSession(offer)
	if err != nil {
		return "", err
	}

	collector := &answerCollector{}
	cfg := sessionConfig(logger)
	cfg.Peer = "cli"
	cfg.Signaling = collector

	s, err := sip_session.NewSession(cfg)
	if err != nil {
		return "", err
	}
	if err := s.ReceiveInvite(); err != nil {
		return "", err
	}
	if err := s.SetRemoteSession(remote); err != nil {
		return "", errors.Wrap(err, "предложение отклонено")
	}
	if err := prepareAnswer(s, cfg.Registry, caps, hold); err != nil {
		return "", err
	}

	s.Accept()

	if collector.status != 200 {
		if collector.status == 0 {
			return "", errors.New("ответ не сформирован: не все потоки готовы")
		}
		return "", errors.Errorf("предложение отклонено: %d %s", collector.status, collector.reason)
	}
	return signaling.CompleteSDP(collector.desc, caps.Address)
}

// prepareAnswer задает кодеки и кандидатов потоков, созданных по
// предложению, и при необходимости запрашивает удержание
func prepareAnswer(s *sip_session.Session, registry *codec_params.Registry, caps *capabilities, hold bool) error {
	var streams []*stream.CandidateStream
	for _, h := range s.Streams() {
		cs, ok := h.(*stream.CandidateStream)
		if !ok {
			continue
		}

		cs.SetLocalCodecs(intersect(caps.codecs(registry, cs.Media().Type()), cs.Media().RemoteCodecs()))
		if cur, err := s.Stream(cs.ID()); err != nil || cur != h {
			// нет общих кодеков, поток закрыт
			continue
		}
		streams = append(streams, cs)

		port := caps.BasePort + 2*cs.ID()
		if _, err := cs.AddLocalCandidates([]stream.LocalCandidate{
			{Component: mt.ComponentRTP, Address: caps.Address, Port: port, Proto: stream.ProtoUDP},
			{Component: mt.ComponentRTCP, Address: caps.Address, Port: port + 1, Proto: stream.ProtoUDP},
		}); err != nil {
			return errors.Wrapf(err, "кандидаты потока %d", cs.ID())
		}
		cs.FinishInitialCandidates()
		cs.RequestReceiving(true)
	}

	if hold {
		if err := s.RequestHold(true); err != nil {
			return err
		}
		for _, cs := range streams {
			cs.SetHoldState(true)
		}
	}
	return nil
}

// parseListen разбирает адрес вида udp:host:port
func parseListen(listen string) (network, addr, host string, err error) {
	network, addr, ok := strings.Cut(listen, ":")
	if !ok {
		return "", "", "", errors.Errorf("некорректный адрес %q", listen)
	}
	network = strings.ToLower(network)
	if network != "udp" && network != "tcp" {
		return "", "", "", errors.Errorf("неподдерживаемый транспорт %q", network)
	}
	host, _, err = net.SplitHostPort(addr)
	if err != nil {
		return "", "", "", errors.Wrapf(err, "некорректный адрес %q", listen)
	}
	return network, addr, host, nil
}

// serve принимает вызовы и отвечает на каждое предложение
func serve(ctx context.Context, caps *capabilities, listen string, hold bool, logger *slog.Logger) error {
	network, addr, host, err := parseListen(listen)
	if err != nil {
		return err
	}

	st, err := signaling.NewStack(host, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	contact := "sip:sdp_answer@" + addr
	st.OnIncoming(answerIncoming(st, contact, caps, hold, logger))
	return st.ListenAndServe(ctx, network, addr)
}

// answerIncoming создает мост для нового вызова и сразу отвечает на
// предложение по файлу возможностей
func answerIncoming(st *signaling.Stack, contact string, caps *capabilities, hold bool, logger *slog.Logger) signaling.IncomingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(req *sip.Request, tx signaling.Responder) {
		callID := req.CallID()
		if callID == nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
			return
		}
		log := logger.With(slog.String("call_id", callID.Value()))

		b, err := signaling.NewBridge(signaling.Config{
			LocalURI:     req.Recipient.String(),
			Contact:      contact,
			MediaAddress: caps.Address,
			Transport:    st,
			Logger:       log,
		})
		if err != nil {
			log.Warn("мост не создан", slog.String("error", err.Error()))
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
			return
		}
		cfg := sessionConfig(log)
		if _, err := b.NewSession(cfg); err != nil {
			log.Error("сессия не создана", slog.String("error", err.Error()))
			return
		}

		st.Bind(callID.Value(), b)
		if err := b.HandleInvite(req, tx); err != nil {
			log.Info("INVITE отклонен", slog.String("error", err.Error()))
			st.Unbind(callID.Value())
			return
		}

		err = b.Do(func(s *sip_session.Session) error {
			if err := prepareAnswer(s, cfg.Registry, caps, hold); err != nil {
				s.Terminate()
				return err
			}
			s.Accept()
			return nil
		})
		if err != nil {
			log.Warn("ответ не сформирован", slog.String("error", err.Error()))
			st.Unbind(callID.Value())
		}
	}
}

// intersect оставляет удаленные кодеки, которые есть среди локальных, в
// порядке предложения. Payload type берется из предложения.
func intersect(local, remote []mt.Codec) []mt.Codec {
	var out []mt.Codec
	for _, rc := range remote {
		for _, lc := range local {
			if !strings.EqualFold(lc.EncodingName, rc.EncodingName) || lc.ClockRate != rc.ClockRate {
				continue
			}
			if lc.Channels != 0 && rc.Channels != 0 && lc.Channels != rc.Channels {
				continue
			}
			c := lc
			c.PayloadType = rc.PayloadType
			if len(c.Params) == 0 {
				c.Params = rc.Params
			}
			out = append(out, c)
			break
		}
	}
	return out
}
