// Package signaling связывает сессию согласования медиа с SIP стеком sipgo.
//
// Bridge реализует sip_session.Signaling: строит INVITE, ответы, ACK, BYE
// и CANCEL одного диалога и передает в сессию входящие запросы и ответы.
// Сессия не потокобезопасна, поэтому все обращения к ней идут через
// методы моста под его блокировкой, в том числе через Do.
package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_negotiation/pkg/sip_media"
	"github.com/arzzra/sip_negotiation/pkg/sip_session"
)

const (
	statusRequestPending = 491
	contentTypeSDP       = "application/sdp"
)

var (
	// ErrNoDialog запрос вне установленного диалога
	ErrNoDialog = errors.New("диалог не установлен")
	// ErrNoInvite нет входящего INVITE, на который можно ответить
	ErrNoInvite = errors.New("нет входящего INVITE для ответа")
	// ErrNoSession мост не связан с сессией
	ErrNoSession = errors.New("сессия не создана")
)

// Transport отправляет запросы диалога. onResponse вызывается для
// каждого ответа на запрос и может быть nil. Send вызывается под
// блокировкой моста, поэтому onResponse нельзя вызывать из Send.
type Transport interface {
	Send(ctx context.Context, req *sip.Request, onResponse func(res *sip.Response)) error
}

// Responder отвечает на входящий запрос. Ему удовлетворяет sip.ServerTransaction.
type Responder interface {
	Respond(res *sip.Response) error
}

// Config параметры моста
type Config struct {
	// LocalURI адрес локальной стороны для From
	LocalURI string
	// RemoteURI адрес вызываемой стороны. Для входящих вызовов берется из INVITE.
	RemoteURI string
	// Contact адрес для заголовка Contact, по умолчанию LocalURI
	Contact string
	// MediaAddress адрес для строки o= в SDP
	MediaAddress string
	Transport    Transport
	// RequestTimeout ограничение на отправку запроса
	RequestTimeout time.Duration
	// AfterFunc планирует повтор re-INVITE после коллизии.
	// f нельзя вызывать синхронно.
	AfterFunc func(d time.Duration, f func())
	Logger    *slog.Logger
}

// Bridge SIP диалог одной сессии согласования медиа
type Bridge struct {
	mu sync.Mutex

	local   sip.Uri
	remote  sip.Uri
	contact sip.Uri
	// target Request-URI запросов диалога (Contact удаленной стороны)
	target sip.Uri

	callID    sip.CallIDHeader
	localTag  string
	remoteTag string
	cseq      uint32
	inviteSeq uint32

	// outbound последний отправленный INVITE
	outbound *sip.Request
	// inbound INVITE, ожидающий окончательного ответа
	inbound   *sip.Request
	inboundTx Responder

	origin    *origin
	transport Transport
	timeout   time.Duration
	afterFunc func(d time.Duration, f func())

	session *sip_session.Session
	logger  *slog.Logger
}

// NewBridge создает мост диалога
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Transport == nil {
		return nil, errors.New("не задан транспорт")
	}

	b := &Bridge{
		origin:    newOrigin(cfg.MediaAddress),
		transport: cfg.Transport,
		timeout:   cfg.RequestTimeout,
		afterFunc: cfg.AfterFunc,
		logger:    cfg.Logger,
	}
	if b.timeout <= 0 {
		b.timeout = 5 * time.Second
	}
	if b.afterFunc == nil {
		b.afterFunc = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	if err := sip.ParseUri(cfg.LocalURI, &b.local); err != nil {
		return nil, errors.Wrap(err, "failed to parse local URI")
	}
	if cfg.RemoteURI != "" {
		if err := sip.ParseUri(cfg.RemoteURI, &b.remote); err != nil {
			return nil, errors.Wrap(err, "failed to parse remote URI")
		}
		b.target = b.remote
	}
	b.contact = b.local
	if cfg.Contact != "" {
		if err := sip.ParseUri(cfg.Contact, &b.contact); err != nil {
			return nil, errors.Wrap(err, "failed to parse contact URI")
		}
	}
	return b, nil
}

// NewSession создает сессию, сигнализацией которой служит мост
func (b *Bridge) NewSession(cfg sip_session.Config) (*sip_session.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg.Signaling = b
	if cfg.Peer == "" && b.remote.Host != "" {
		cfg.Peer = b.remote.String()
	}
	if cfg.Logger == nil {
		cfg.Logger = b.logger
	}
	s, err := sip_session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "создание сессии")
	}
	b.session = s
	return s, nil
}

// Do выполняет fn над сессией под блокировкой моста
func (b *Bridge) Do(fn func(s *sip_session.Session) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ErrNoSession
	}
	return fn(b.session)
}

// CallID идентификатор диалога, пустой до первого INVITE
func (b *Bridge) CallID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.callID)
}

// SendInvite реализует sip_session.Signaling
func (b *Bridge) SendInvite(desc *sdp.SessionDescription, reinvite bool) error {
	if !reinvite {
		b.callID = sip.CallIDHeader(uuid.NewString())
		b.localTag = newTag()
		b.remoteTag = ""
		b.cseq = 0
	} else if b.callID == "" {
		return ErrNoDialog
	}
	if b.target.Host == "" {
		return errors.New("не задан адрес вызываемой стороны")
	}

	body, err := b.origin.complete(desc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal SDP")
	}

	b.cseq++
	b.inviteSeq = b.cseq
	req := b.makeRequest(sip.INVITE, b.cseq)
	setSDP(req, body)
	b.outbound = req

	b.logger.Debug("отправка INVITE",
		slog.Bool("reinvite", reinvite),
		slog.String("call_id", string(b.callID)))

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.transport.Send(ctx, req, b.HandleResponse); err != nil {
		return errors.Wrap(err, "failed to send INVITE")
	}
	return nil
}

// Respond реализует sip_session.Signaling
func (b *Bridge) Respond(status int, reason string, desc *sdp.SessionDescription) error {
	if b.inbound == nil {
		return ErrNoInvite
	}

	var body []byte
	if desc != nil {
		var err error
		if body, err = b.origin.complete(desc); err != nil {
			return errors.Wrap(err, "failed to marshal SDP")
		}
	}
	res := sip.NewResponseFromRequest(b.inbound, status, reason, body)
	// sipgo ставит случайный тег, диалогу нужен наш
	if status > 100 {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params.Add("tag", b.localTag)
		}
	}
	if body != nil {
		ct := sip.ContentTypeHeader(contentTypeSDP)
		res.AppendHeader(&ct)
	}

	tx := b.inboundTx
	if status >= 200 {
		b.inbound, b.inboundTx = nil, nil
	}

	b.logger.Debug("ответ на INVITE", slog.Int("status", status), slog.String("reason", reason))
	if err := tx.Respond(res); err != nil {
		return errors.Wrapf(err, "failed to send %d response", status)
	}
	return nil
}

// SendBye реализует sip_session.Signaling
func (b *Bridge) SendBye() error {
	if b.callID == "" {
		return ErrNoDialog
	}
	b.cseq++
	req := b.makeRequest(sip.BYE, b.cseq)

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.transport.Send(ctx, req, nil); err != nil {
		return errors.Wrap(err, "failed to send BYE")
	}
	return nil
}

// SendCancel реализует sip_session.Signaling
func (b *Bridge) SendCancel() error {
	if b.outbound == nil {
		return ErrNoDialog
	}

	req := sip.NewRequest(sip.CANCEL, b.outbound.Recipient)
	if via := b.outbound.Via(); via != nil {
		req.AppendHeader(sip.NewHeader("Via", via.Value()))
	}
	b.appendDialogHeaders(req, sip.CANCEL, b.inviteSeq, "")

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.transport.Send(ctx, req, nil); err != nil {
		return errors.Wrap(err, "failed to send CANCEL")
	}
	return nil
}

// HandleInvite обрабатывает входящий INVITE или re-INVITE
func (b *Bridge) HandleInvite(req *sip.Request, tx Responder) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ErrNoSession
	}

	initial := b.session.State() == sip_session.StateCreated

	desc, err := sip_media.ParseRemoteSession(req.Body())
	if err != nil {
		b.reply(req, tx, sip.StatusBadRequest, "Bad Request")
		if initial {
			_ = b.session.ChangeState(sip_session.StateEnded)
		}
		return errors.Wrap(err, "failed to parse remote SDP")
	}

	if initial {
		b.acceptDialog(req)
	}
	b.inbound, b.inboundTx = req, tx

	if initial {
		err = b.session.ReceiveInvite()
	} else {
		err = b.session.ReceiveReinvite()
	}
	if err != nil {
		// встречный re-INVITE во время нашего (RFC 3261 14.2)
		b.logger.Info("re-INVITE отклонен", slog.String("state", b.session.State().String()))
		_ = b.Respond(statusRequestPending, "Request Pending", nil)
		return errors.Wrap(err, "failed to accept INVITE")
	}

	if err := b.session.SetRemoteSession(desc); err != nil {
		if b.inbound != nil {
			_ = b.Respond(sip.StatusNotAcceptableHere, "Not Acceptable Here", nil)
		}
		if initial {
			_ = b.session.ChangeState(sip_session.StateEnded)
		} else {
			_ = b.session.ChangeState(sip_session.StateActive)
		}
		return errors.Wrap(err, "remote SDP rejected")
	}
	return nil
}

// HandleResponse обрабатывает ответ на наш INVITE
func (b *Bridge) HandleResponse(res *sip.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return
	}

	cseq := res.CSeq()
	if cseq == nil || cseq.MethodName != sip.INVITE || cseq.SeqNo != b.inviteSeq {
		return
	}

	log := b.logger.With(slog.Int("status", res.StatusCode))
	switch {
	case res.StatusCode < 200:
		log.Debug("предварительный ответ")

	case res.StatusCode < 300:
		if to := res.To(); to != nil && to.Params != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				b.remoteTag = tag
			}
		}
		if contact := res.Contact(); contact != nil {
			b.target = contact.Address
		}
		b.sendAck()

		desc, err := sip_media.ParseRemoteSession(res.Body())
		if err == nil {
			err = b.session.SetRemoteSession(desc)
		}
		if err != nil {
			log.Warn("ответ не принят, завершение", slog.String("error", err.Error()))
			b.session.Terminate()
		}

	case res.StatusCode == statusRequestPending:
		interval, err := b.session.ResolveGlare()
		if err != nil {
			log.Warn("491 вне re-INVITE", slog.String("error", err.Error()))
			return
		}
		b.afterFunc(interval, func() {
			_ = b.Do(func(s *sip_session.Session) error {
				s.GlareRetry()
				return nil
			})
		})

	default:
		log.Info("INVITE отклонен", slog.String("reason", res.Reason))
		switch b.session.State() {
		case sip_session.StateInviteSent:
			_ = b.session.ChangeState(sip_session.StateEnded)
		case sip_session.StateReinviteSent:
			// прежнее описание остается в силе
			_ = b.session.ChangeState(sip_session.StateResponseReceived)
			_ = b.session.ChangeState(sip_session.StateActive)
		}
	}
}

// HandleBye обрабатывает BYE удаленной стороны
func (b *Bridge) HandleBye(req *sip.Request, tx Responder) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reply(req, tx, sip.StatusOK, "OK")
	if b.session == nil {
		return ErrNoSession
	}
	return b.session.ChangeState(sip_session.StateEnded)
}

// HandleCancel обрабатывает CANCEL входящего INVITE
func (b *Bridge) HandleCancel(req *sip.Request, tx Responder) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reply(req, tx, sip.StatusOK, "OK")
	if b.inbound != nil {
		_ = b.Respond(sip.StatusRequestTerminated, "Request Terminated", nil)
	}
	if b.session == nil {
		return ErrNoSession
	}
	return b.session.ChangeState(sip_session.StateEnded)
}

// acceptDialog запоминает параметры диалога из начального INVITE
func (b *Bridge) acceptDialog(req *sip.Request) {
	if callID := req.CallID(); callID != nil {
		b.callID = *callID
	}
	if from := req.From(); from != nil {
		b.remote = from.Address
		b.target = from.Address
		if from.Params != nil {
			b.remoteTag, _ = from.Params.Get("tag")
		}
	}
	if contact := req.Contact(); contact != nil {
		b.target = contact.Address
	}
	b.localTag = newTag()
	b.cseq = 0
}

func (b *Bridge) sendAck() {
	req := b.makeRequest(sip.ACK, b.inviteSeq)
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.transport.Send(ctx, req, nil); err != nil {
		b.logger.Warn("не удалось отправить ACK", slog.String("error", err.Error()))
	}
}

func (b *Bridge) reply(req *sip.Request, tx Responder, status int, reason string) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(res); err != nil {
		b.logger.Warn("не удалось отправить ответ",
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
}

func (b *Bridge) makeRequest(method sip.RequestMethod, seq uint32) *sip.Request {
	req := sip.NewRequest(method, b.target)
	b.appendDialogHeaders(req, method, seq, b.remoteTag)
	req.AppendHeader(&sip.ContactHeader{Address: b.contact, Params: sip.NewParams()})
	return req
}

func (b *Bridge) appendDialogHeaders(req *sip.Request, method sip.RequestMethod, seq uint32, remoteTag string) {
	from := &sip.FromHeader{Address: b.local, Params: sip.NewParams()}
	from.Params.Add("tag", b.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: b.remote, Params: sip.NewParams()}
	if remoteTag != "" {
		to.Params.Add("tag", remoteTag)
	}
	req.AppendHeader(to)

	callID := b.callID
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
}

func setSDP(req *sip.Request, body []byte) {
	ct := sip.ContentTypeHeader(contentTypeSDP)
	req.AppendHeader(&ct)
	req.SetBody(body)
}

func newTag() string {
	return uuid.NewString()[:8]
}
