package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"relaychat/models"
	"relaychat/network"
	"relaychat/scheduler"
)

// ErrStopped is delivered to completions submitted after the loop exited.
var ErrStopped = errors.New("messenger: stopped")

// DefaultPubkeyCacheSize bounds the in-memory public key cache.
const DefaultPubkeyCacheSize = 256

// PendingPolicy decides what happens to in-flight requests on disconnect.
type PendingPolicy string

const (
	// PendingFail completes every pending request with a disconnect error.
	PendingFail PendingPolicy = "fail"
	// PendingKeep leaves pending requests waiting for a reply after reconnect.
	PendingKeep PendingPolicy = "keep"
)

// Store is everything the messenger persists.
type Store interface {
	SyncStore
	GetUsersList() ([]string, error)
	GetUserID(address string) (int64, error)
	SetUserPublicKey(address, publicKey string) error
	GetUserPublicKey(address string) (string, error)
	GetMessageMaxCounter(address string) (models.Counter, error)
	GetMessagesForUser(address string, from, to models.Counter) ([]models.Message, error)
	GetMessagesForUserAndDest(address, collocutor string, from, to models.Counter) ([]models.Message, error)
	GetMessagesForUserAndDestNum(address, collocutor string, count int, to models.Counter) ([]models.Message, error)
	GetSavedPos(address string) (models.Counter, error)
	SavePos(address string, pos models.Counter) error
	SetSignedStrings(address, publicKey string, entries []models.SignedString) error
	GetSignedString(address, key string) (string, string, error)
}

// Transport is the relay channel.
type Transport interface {
	Send(payload []byte) error
	Messages() <-chan []byte
	Events() <-chan network.Event
	SetHello(frames [][]byte)
	AddHello(frame []byte)
}

// Signer produces signatures and payload encryption for an address.
type Signer interface {
	SignBatch(address string, messages []string) (string, []string, error)
	EncryptWithOwnPrivateKey(dataHex, address string) (string, error)
	Tick(now time.Time)
}

// Options configures a Messenger.
type Options struct {
	Store         Store
	Transport     Transport
	Signer        Signer
	Clock         clock.Clock
	TickInterval  time.Duration
	DeferredDelay time.Duration
	PendingPolicy PendingPolicy
	CacheSize     int
	// OnNewMessages receives (address, counter) notifications on the loop goroutine.
	OnNewMessages NotifyFunc
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.PendingPolicy == "" {
		out.PendingPolicy = PendingFail
	}
	if out.CacheSize <= 0 {
		out.CacheSize = DefaultPubkeyCacheSize
	}
	if out.OnNewMessages == nil {
		out.OnNewMessages = func(string, models.Counter) {}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Messenger runs the client event loop. Relay frames, transport events,
// scheduler ticks and API calls are all handled on one goroutine, so the
// dispatcher, the sync engine and the scheduler need no locking.
type Messenger struct {
	store     Store
	transport Transport
	signer    Signer
	clock     clock.Clock
	policy    PendingPolicy
	notify    NotifyFunc
	logger    *slog.Logger

	dispatcher *network.Dispatcher
	engine     *Engine
	scheduler  *scheduler.Scheduler
	pubkeys    *lru.Cache[string, string]

	ops  chan func()
	done chan struct{}

	connected bool
}

// New wires a messenger. Run starts it.
func New(opts Options) (*Messenger, error) {
	cfg := opts.withDefaults()
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.PendingPolicy != PendingFail && cfg.PendingPolicy != PendingKeep {
		return nil, fmt.Errorf("unknown pending policy %q", cfg.PendingPolicy)
	}

	pubkeys, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create public key cache: %w", err)
	}

	m := &Messenger{
		store:      cfg.Store,
		transport:  cfg.Transport,
		signer:     cfg.Signer,
		clock:      cfg.Clock,
		policy:     cfg.PendingPolicy,
		notify:     cfg.OnNewMessages,
		logger:     cfg.Logger.With("component", "messenger"),
		dispatcher: network.NewDispatcher(),
		scheduler:  scheduler.New(scheduler.Options{Clock: cfg.Clock, Interval: cfg.TickInterval}),
		pubkeys:    pubkeys,
		ops:        make(chan func()),
		done:       make(chan struct{}),
	}

	m.engine, err = NewEngine(EngineOptions{
		Store:         cfg.Store,
		Fetch:         m.fetchRange,
		Notify:        m.onNewConfirmed,
		Clock:         cfg.Clock,
		DeferredDelay: cfg.DeferredDelay,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	m.scheduler.OnStart(m.resubscribe)
	m.scheduler.OnTick(m.engine.OnTick)
	if m.signer != nil {
		m.scheduler.OnTick(m.signer.Tick)
	}

	return m, nil
}

// Run processes events until ctx is done.
func (m *Messenger) Run(ctx context.Context) error {
	defer close(m.done)

	ticker := m.scheduler.Ticker()
	defer ticker.Stop()

	m.logger.Info("messenger started", "tick", m.scheduler.Interval(), "pending_policy", m.policy)
	for {
		select {
		case <-ctx.Done():
			failed := m.dispatcher.FailAll(&network.ProtocolError{Kind: ErrStopped})
			m.logger.Info("messenger stopped", "failed_pending", failed)
			return nil
		case now := <-ticker.C:
			m.scheduler.Fire(now)
		case payload := <-m.transport.Messages():
			m.handleFrame(payload)
		case event := <-m.transport.Events():
			m.handleTransportEvent(event)
		case op := <-m.ops:
			op()
		}
	}
}

// submit runs op on the loop goroutine. It reports false when the loop has exited.
func (m *Messenger) submit(op func()) bool {
	select {
	case m.ops <- op:
		return true
	case <-m.done:
		return false
	}
}

func (m *Messenger) handleFrame(payload []byte) {
	resp, err := network.DecodeResponse(payload)
	if err != nil {
		m.logger.Warn("relay frame dropped", "error", err)
		return
	}

	if resp.IsError() {
		m.logger.Warn("relay error", "id", resp.ID, "method", resp.Method, "address", resp.Address, "error", resp.Error)
		if resp.ID == 0 {
			return
		}
		if err := m.dispatcher.Complete(resp.ID, resp, network.RelayError(resp)); err != nil {
			m.logger.Warn("relay error without pending request", "error", err)
		}
		return
	}

	switch resp.Method {
	case network.MethodNewMessage, network.MethodNewMessages:
		messages, err := network.DecodeMessages(resp)
		if err != nil {
			m.logger.Warn("push dropped", "method", resp.Method, "error", err)
			return
		}
		if err := m.engine.OnInboundBatch(resp.Address, messages); err != nil {
			m.logger.Warn("push not processed", "method", resp.Method, "address", resp.Address, "error", err)
		}
	default:
		if resp.ID == 0 {
			m.logger.Debug("uncorrelated response", "method", resp.Method, "address", resp.Address)
			return
		}
		if err := m.dispatcher.Complete(resp.ID, resp, nil); err != nil {
			m.logger.Warn("response discarded", "error", err)
		}
	}
}

func (m *Messenger) handleTransportEvent(event network.Event) {
	switch event.Type {
	case network.EventDisconnected:
		m.connected = false
		if m.policy == PendingFail {
			failed := m.dispatcher.FailAll(&network.ProtocolError{Kind: network.ErrDisconnected, Detail: errorText(event.Err)})
			m.logger.Info("pending requests failed on disconnect", "count", failed)
		} else {
			m.logger.Info("pending requests kept across disconnect", "count", m.dispatcher.Pending())
		}
	case network.EventConnected:
		m.connected = true
		users, err := m.store.GetUsersList()
		if err != nil {
			m.logger.Warn("catch-up skipped", "error", err)
			return
		}
		for _, address := range users {
			m.requestCount(address)
		}
	}
}

// resubscribe rebuilds the hello set from storage and re-announces every
// local address, then asks the relay how many messages each one has.
func (m *Messenger) resubscribe(time.Time) {
	users, err := m.store.GetUsersList()
	if err != nil {
		m.logger.Warn("resubscribe skipped", "error", err)
		return
	}

	m.transport.SetHello(nil)
	for _, address := range users {
		pubkey, sign, err := m.store.GetSignedString(address, network.TextForAppendKeyOnline)
		if err != nil {
			m.logger.Warn("no cached presence signature", "address", address, "error", err)
		} else {
			frame, err := network.EncodeRequest(0, network.MethodAppendKeyOnline, network.AppendKeyOnlineParams{Pubkey: pubkey, Sign: sign})
			if err != nil {
				m.logger.Warn("presence frame not built", "address", address, "error", err)
			} else {
				m.transport.AddHello(frame)
				if err := m.transport.Send(frame); err != nil {
					m.logger.Debug("presence deferred until connect", "address", address, "error", err)
				}
			}
		}
		m.requestCount(address)
	}
	m.logger.Info("resubscribed", "addresses", len(users))
}

func (m *Messenger) requestCount(address string) {
	err := m.call(network.MethodCountMessages, network.CountMessagesParams{Address: address}, func(resp network.Response, err error) {
		if err != nil {
			m.logger.Warn("count request failed", "address", address, "error", err)
			return
		}
		var result network.CountResult
		if err := network.DecodeResult(resp, &result); err != nil {
			m.logger.Warn("count response dropped", "address", address, "error", err)
			return
		}
		if err := m.engine.OnCountReport(address, result.Count); err != nil {
			m.logger.Warn("count report not processed", "address", address, "error", err)
		}
	})
	if err != nil {
		m.logger.Debug("count request not sent", "address", address, "error", err)
	}
}

// fetchRange asks the relay for counters [from, to) of address using the
// cached GET_MESSAGES signature.
func (m *Messenger) fetchRange(address string, from, to models.Counter) error {
	pubkey, sign, err := m.store.GetSignedString(address, network.TextForGetMessages)
	if err != nil {
		return fmt.Errorf("cached signature for %s: %w", address, err)
	}
	params := network.GetMessagesParams{Address: address, Pubkey: pubkey, Sign: sign, From: from, To: to}
	return m.call(network.MethodGetMessages, params, func(resp network.Response, err error) {
		if err != nil {
			m.logger.Warn("gap fetch failed", "address", address, "from", from, "to", to, "error", err)
			return
		}
		if resp.Address == "" {
			resp.Address = address
		}
		messages, err := network.DecodeMessages(resp)
		if err != nil {
			m.logger.Warn("gap fetch response dropped", "address", address, "error", err)
			return
		}
		if err := m.engine.OnInboundBatch(address, messages); err != nil {
			m.logger.Warn("gap fetch response not processed", "address", address, "error", err)
		}
	})
}

// call registers completion under a fresh id and sends the request. When the
// send fails the completion is failed right away and the send error returned.
func (m *Messenger) call(method string, params any, completion network.Completion) error {
	id := m.dispatcher.AllocateID()
	payload, err := network.EncodeRequest(id, method, params)
	if err != nil {
		completion(network.Response{}, err)
		return err
	}
	if err := m.dispatcher.Register(id, completion); err != nil {
		completion(network.Response{}, err)
		return err
	}
	if err := m.transport.Send(payload); err != nil {
		_ = m.dispatcher.Complete(id, network.Response{ID: id, Method: method}, err)
		return err
	}
	return nil
}

func (m *Messenger) onNewConfirmed(address string, counter models.Counter) {
	m.logger.Debug("new confirmed messages", "address", address, "counter", counter)
	m.notify(address, counter)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
