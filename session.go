package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"relaychat/config"
	"relaychat/discovery"
	"relaychat/messenger"
	"relaychat/models"
	"relaychat/network"
	"relaychat/storage"
	"relaychat/wallet"
)

// session is one running client: storage, unlocked wallet, relay transport
// and the messenger loop.
type session struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *storage.Store
	wallet    *wallet.Manager
	transport *network.Transport
	messenger *messenger.Messenger
	address   string

	cancel context.CancelFunc
	done   chan error
}

type sessionOptions struct {
	address       string
	password      string
	passwordRSA   string
	onNewMessages messenger.NotifyFunc
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, handlerOptions)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOptions)), nil
}

func openStore(cfgPath string) (*storage.Store, error) {
	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func resolveRelayURL(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.RelayURL != "" {
		return cfg.RelayURL, nil
	}
	if !cfg.DiscoverRelay {
		return "", errors.New("relay_url is not configured and discover_relay is off")
	}
	return discovery.LookupRelay(ctx, discovery.Config{Logger: logger})
}

func startSession(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger, opts sessionOptions) (*session, error) {
	if opts.address == "" {
		return nil, errors.New("address is required")
	}

	manager := wallet.NewManager(wallet.Options{Logger: logger})
	if err := manager.Unlock(cfg.WalletDir, opts.address, opts.password, opts.passwordRSA, cfg.WalletTTL); err != nil {
		return nil, fmt.Errorf("unlock wallet: %w", err)
	}

	relayURL, err := resolveRelayURL(ctx, cfg, logger)
	if err != nil {
		manager.Lock()
		return nil, err
	}

	store, err := openStore(cfgPath)
	if err != nil {
		manager.Lock()
		return nil, err
	}

	transport, err := network.NewTransport(network.TransportOptions{
		URL:              relayURL,
		ClientID:         cfg.ClientID,
		ReconnectBackoff: cfg.ReconnectBackoff,
		Logger:           logger,
	})
	if err != nil {
		manager.Lock()
		return nil, multierr.Append(err, store.Close())
	}

	m, err := messenger.New(messenger.Options{
		Store:         store,
		Transport:     transport,
		Signer:        manager,
		TickInterval:  cfg.TickInterval,
		DeferredDelay: cfg.DeferredFetchDelay,
		PendingPolicy: messenger.PendingPolicy(cfg.PendingOnDisconnect),
		OnNewMessages: opts.onNewMessages,
		Logger:        logger,
	})
	if err != nil {
		manager.Lock()
		return nil, multierr.Append(err, store.Close())
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		wallet:    manager,
		transport: transport,
		messenger: m,
		address:   opts.address,
		cancel:    cancel,
		done:      make(chan error, 1),
	}

	transport.Start(runCtx)
	go func() {
		s.done <- m.Run(runCtx)
	}()

	if err := await(ctx, func(done func(struct{}, error)) { m.SignStrings(opts.address, done) }); err != nil {
		return nil, multierr.Append(fmt.Errorf("sign request texts: %w", err), s.Close())
	}
	if err := await(ctx, func(done func(struct{}, error)) { m.Watch(opts.address, done) }); err != nil {
		return nil, multierr.Append(fmt.Errorf("watch %s: %w", opts.address, err), s.Close())
	}

	logger.Info("session started", "address", opts.address, "relay", relayURL, "client_id", cfg.ClientID)
	return s, nil
}

// Close stops the loop, then the transport and the database.
func (s *session) Close() error {
	s.cancel()
	runErr := <-s.done
	s.wallet.Lock()
	return multierr.Combine(runErr, s.transport.Close(), s.store.Close())
}

// await blocks until an asynchronous messenger call completes or ctx ends.
func await[T any](ctx context.Context, call func(done func(T, error))) error {
	_, err := awaitValue(ctx, call)
	return err
}

func awaitValue[T any](ctx context.Context, call func(done func(T, error))) (T, error) {
	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	call(func(value T, err error) { results <- result{value, err} })

	select {
	case r := <-results:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// waitConnected blocks until the messenger sees a live relay connection.
func (s *session) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		connected, err := awaitValue(ctx, s.messenger.Connected)
		if err != nil {
			return err
		}
		if connected {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// register publishes the session address and its RSA public key.
func (s *session) register(ctx context.Context, fee uint64) (bool, error) {
	rsaPubkey, err := s.wallet.RSAPublicKey(s.address)
	if err != nil {
		return false, err
	}
	pubkey, sign, err := s.wallet.Sign(s.address, network.TextForRegister(s.address, rsaPubkey, fee))
	if err != nil {
		return false, err
	}
	if err := s.waitConnected(ctx); err != nil {
		return false, err
	}
	return awaitValue(ctx, func(done func(bool, error)) {
		s.messenger.RegisterAddress(s.address, rsaPubkey, pubkey, sign, fee, done)
	})
}

// recipientKey returns the RSA public key of to, fetching it from the relay
// when it is not stored yet.
func (s *session) recipientKey(ctx context.Context, to string) (string, error) {
	key, err := awaitValue(ctx, func(done func(string, error)) { s.messenger.GetPubkeyAddress(to, done) })
	if err == nil {
		return key, nil
	}
	if !messenger.IsNotFound(err) {
		return "", err
	}

	pubkey, sign, err := s.wallet.Sign(s.address, network.TextForGetPubkey(to))
	if err != nil {
		return "", err
	}
	if err := s.waitConnected(ctx); err != nil {
		return "", err
	}
	return awaitValue(ctx, func(done func(string, error)) {
		s.messenger.SavePubkeyAddress(to, pubkey, sign, done)
	})
}

// send encrypts text for to and sends it. It returns the local counter.
func (s *session) send(ctx context.Context, to, text string, fee uint64) (models.Counter, error) {
	recipientKey, err := s.recipientKey(ctx, to)
	if err != nil {
		return 0, fmt.Errorf("recipient key: %w", err)
	}

	plainHex := fmt.Sprintf("%x", text)
	dataHex, err := s.wallet.EncryptWithRecipientPublicKey(plainHex, recipientKey)
	if err != nil {
		return 0, err
	}
	timestamp := time.Now().Unix()
	pubkey, sign, err := s.wallet.Sign(s.address, network.TextForSendMessage(to, dataHex, fee, timestamp))
	if err != nil {
		return 0, err
	}

	if err := s.waitConnected(ctx); err != nil {
		return 0, err
	}
	return awaitValue(ctx, func(done func(models.Counter, error)) {
		s.messenger.SendMessage(messenger.Outgoing{
			From:      s.address,
			To:        to,
			DataHex:   dataHex,
			PlainHex:  plainHex,
			Pubkey:    pubkey,
			Sign:      sign,
			Fee:       fee,
			Timestamp: timestamp,
		}, done)
	})
}
