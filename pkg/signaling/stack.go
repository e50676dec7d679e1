package signaling

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// IncomingHandler вызывается для INVITE вне известных диалогов.
// Обработчик создает мост, регистрирует его через Bind и передает
// запрос в Bridge.HandleInvite.
type IncomingHandler func(req *sip.Request, tx Responder)

// Stack SIP стек на sipgo. Отправляет запросы мостов и направляет
// входящие запросы в мост по Call-ID.
type Stack struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	mu       sync.RWMutex
	bridges  map[string]*Bridge
	incoming IncomingHandler
	closed   bool

	logger *slog.Logger
}

// NewStack создает стек с указанным именем хоста для Via и Contact
func NewStack(hostname string, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgentHostname(hostname))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user agent")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(hostname))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	st := &Stack{
		ua:      ua,
		client:  client,
		server:  server,
		bridges: make(map[string]*Bridge),
		logger:  logger,
	}

	server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) { st.handleInvite(req, tx) })
	server.OnAck(func(*sip.Request, sip.ServerTransaction) {})
	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) { st.handleBye(req, tx) })
	server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) { st.handleCancel(req, tx) })
	return st, nil
}

// OnIncoming задает обработчик новых входящих вызовов
func (st *Stack) OnIncoming(h IncomingHandler) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.incoming = h
}

// Bind связывает мост с Call-ID. Исходящий мост связывается после
// отправки первого INVITE, когда Call-ID уже известен.
func (st *Stack) Bind(callID string, b *Bridge) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.bridges[callID] = b
}

// Unbind удаляет мост завершенного диалога
func (st *Stack) Unbind(callID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.bridges, callID)
}

// ListenAndServe запускает прием запросов
func (st *Stack) ListenAndServe(ctx context.Context, network, addr string) error {
	st.logger.Info("запуск SIP сервера",
		slog.String("network", network),
		slog.String("address", addr))
	return st.server.ListenAndServe(ctx, network, addr)
}

// Send реализует Transport
func (st *Stack) Send(ctx context.Context, req *sip.Request, onResponse func(res *sip.Response)) error {
	st.mu.RLock()
	closed := st.closed
	st.mu.RUnlock()
	if closed {
		return errors.New("стек закрыт")
	}

	if req.Method == sip.ACK {
		return st.client.WriteRequest(req)
	}

	tx, err := st.client.TransactionRequest(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "failed to send %s", req.Method)
	}
	go st.readResponses(tx, onResponse)
	return nil
}

func (st *Stack) readResponses(tx sip.ClientTransaction, onResponse func(res *sip.Response)) {
	defer tx.Terminate()
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if onResponse != nil {
				onResponse(res)
			}
			if res.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				st.logger.Debug("транзакция завершена с ошибкой", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (st *Stack) lookup(req *sip.Request) (*Bridge, bool) {
	callID := req.CallID()
	if callID == nil {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	b, ok := st.bridges[callID.Value()]
	return b, ok
}

func (st *Stack) handleInvite(req *sip.Request, tx Responder) {
	if b, ok := st.lookup(req); ok {
		if err := b.HandleInvite(req, tx); err != nil {
			st.logger.Warn("re-INVITE не обработан", slog.String("error", err.Error()))
		}
		return
	}

	st.mu.RLock()
	incoming := st.incoming
	st.mu.RUnlock()
	if incoming == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil)
		_ = tx.Respond(res)
		return
	}
	incoming(req, tx)
}

func (st *Stack) handleBye(req *sip.Request, tx Responder) {
	b, ok := st.lookup(req)
	if !ok {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}
	if err := b.HandleBye(req, tx); err != nil {
		st.logger.Warn("BYE не обработан", slog.String("error", err.Error()))
	}
	st.Unbind(req.CallID().Value())
}

func (st *Stack) handleCancel(req *sip.Request, tx Responder) {
	b, ok := st.lookup(req)
	if !ok {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}
	if err := b.HandleCancel(req, tx); err != nil {
		st.logger.Warn("CANCEL не обработан", slog.String("error", err.Error()))
	}
	st.Unbind(req.CallID().Value())
}

// Close закрывает клиент, сервер и User Agent
func (st *Stack) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.bridges = make(map[string]*Bridge)
	st.mu.Unlock()

	if err := st.client.Close(); err != nil {
		return errors.Wrap(err, "failed to close client")
	}
	if err := st.server.Close(); err != nil {
		return errors.Wrap(err, "failed to close server")
	}
	return st.ua.Close()
}
