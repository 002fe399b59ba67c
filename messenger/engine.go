package messenger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"relaychat/models"
	"relaychat/network"
	"relaychat/storage"
)

// DefaultDeferredDelay is how long a gap fetch may stay outstanding before
// listeners are notified anyway.
const DefaultDeferredDelay = 2 * time.Second

// SyncStore is the storage the sync engine reconciles against.
type SyncStore interface {
	AddMessage(message models.Message) error
	ConfirmMessage(address string, from, to models.Counter) error
	GetMessageByCounter(address string, counter models.Counter) (*models.Message, error)
	FindUnconfirmedByHash(address, hash string) (*models.Message, error)
	FindLowestUnconfirmed(address string) (*models.Message, error)
	GetMessageMaxConfirmedCounter(address string) (models.Counter, error)
	CountConfirmedInRange(address string, from, to models.Counter) (int, error)
}

// FetchFunc requests counters [from, to) of address from the relay.
type FetchFunc func(address string, from, to models.Counter) error

// NotifyFunc tells listeners that address has confirmed messages up to counter.
type NotifyFunc func(address string, counter models.Counter)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Store         SyncStore
	Fetch         FetchFunc
	Notify        NotifyFunc
	Clock         clock.Clock
	DeferredDelay time.Duration
	Logger        *slog.Logger
}

func (o EngineOptions) withDefaults() EngineOptions {
	out := o
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.DeferredDelay <= 0 {
		out.DeferredDelay = DefaultDeferredDelay
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Fetch == nil {
		out.Fetch = func(string, models.Counter, models.Counter) error { return nil }
	}
	if out.Notify == nil {
		out.Notify = func(string, models.Counter) {}
	}
	return out
}

// counterRange is a half-open range [from, to).
type counterRange struct {
	from models.Counter
	to   models.Counter
}

func (r counterRange) covers(other counterRange) bool {
	return r.from <= other.from && other.to <= r.to
}

// DeferredFetch is the gap-fill state of one address.
type DeferredFetch struct {
	Armed  bool
	DueAt  time.Time
	ranges []counterRange
}

// Outstanding returns the requested ranges as [from, to) pairs.
func (d DeferredFetch) Outstanding() [][2]models.Counter {
	out := make([][2]models.Counter, 0, len(d.ranges))
	for _, r := range d.ranges {
		out = append(out, [2]models.Counter{r.from, r.to})
	}
	return out
}

// Engine reconciles inbound relay messages with storage, detects counter gaps,
// requests each missing range once per gap episode, and notifies listeners
// with non-decreasing confirmed counters. It is driven from a single event
// loop and is not safe for concurrent use.
type Engine struct {
	store  SyncStore
	fetch  FetchFunc
	notify NotifyFunc
	clock  clock.Clock
	delay  time.Duration
	logger *slog.Logger

	deferred     map[string]*DeferredFetch
	lastNotified map[string]models.Counter
}

// NewEngine returns an engine with no deferred state.
func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.withDefaults()
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	return &Engine{
		store:        cfg.Store,
		fetch:        cfg.Fetch,
		notify:       cfg.Notify,
		clock:        cfg.Clock,
		delay:        cfg.DeferredDelay,
		logger:       cfg.Logger.With("component", "sync"),
		deferred:     make(map[string]*DeferredFetch),
		lastNotified: make(map[string]models.Counter),
	}, nil
}

// OnInboundBatch stores a counter-ordered batch for address. When the batch
// starts past the next expected counter the gap is fetched and notification
// is deferred until the gap fills or the deferral expires.
func (e *Engine) OnInboundBatch(address string, messages []models.Message) error {
	if len(messages) == 0 {
		return &network.ProtocolError{Kind: network.ErrEmptyBatch, Address: address}
	}
	sorted := append([]models.Message(nil), messages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Counter < sorted[j].Counter })

	confirmed, err := e.store.GetMessageMaxConfirmedCounter(address)
	if err != nil {
		return fmt.Errorf("read confirmed counter for %s: %w", address, err)
	}
	lo, hi := sorted[0].Counter, sorted[len(sorted)-1].Counter

	stored := 0
	for _, message := range sorted {
		message.Owner = address
		if err := e.storeMessage(message); err != nil {
			e.logger.Warn("message not stored", "address", address, "counter", message.Counter, "error", err)
			continue
		}
		stored++
	}
	e.logger.Debug("inbound batch", "address", address, "from", lo, "to", hi, "stored", stored, "confirmed_before", confirmed)

	if lo > confirmed+1 {
		e.requestRange(address, counterRange{from: confirmed + 1, to: lo})
		return nil
	}
	if d, ok := e.deferred[address]; ok && d.Armed {
		return e.resolveIfFilled(address, d)
	}
	e.notifyUpTo(address, hi)
	return nil
}

// OnCountReport handles the relay's message count for address and fetches
// whatever is missing locally. A report the store already covers only
// settles an armed gap fetch; it never notifies on its own.
func (e *Engine) OnCountReport(address string, count models.Counter) error {
	confirmed, err := e.store.GetMessageMaxConfirmedCounter(address)
	if err != nil {
		return fmt.Errorf("read confirmed counter for %s: %w", address, err)
	}
	if count <= confirmed {
		if d, ok := e.deferred[address]; ok && d.Armed {
			return e.resolveIfFilled(address, d)
		}
		return nil
	}
	e.requestRange(address, counterRange{from: confirmed + 1, to: count + 1})
	return nil
}

// OnTick expires deferred fetches whose deadline has passed and notifies
// listeners with the latest confirmed counter.
func (e *Engine) OnTick(now time.Time) {
	addresses := make([]string, 0, len(e.deferred))
	for address := range e.deferred {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	for _, address := range addresses {
		d := e.deferred[address]
		if !d.Armed || now.Before(d.DueAt) {
			continue
		}
		delete(e.deferred, address)

		confirmed, err := e.store.GetMessageMaxConfirmedCounter(address)
		if err != nil {
			e.logger.Warn("deferred expiry without counter", "address", address, "error", err)
			continue
		}
		e.logger.Info("deferred fetch expired", "address", address, "confirmed", confirmed, "outstanding", len(d.ranges))
		e.notifyUpTo(address, confirmed)
	}
}

// Deferred returns a copy of the gap-fill state of address.
func (e *Engine) Deferred(address string) (DeferredFetch, bool) {
	d, ok := e.deferred[address]
	if !ok {
		return DeferredFetch{}, false
	}
	out := *d
	out.ranges = append([]counterRange(nil), d.ranges...)
	return out, true
}

// LastNotified returns the highest counter delivered to listeners for address.
// Listeners see each counter at most once and never a lower one.
func (e *Engine) LastNotified(address string) models.Counter {
	return e.lastNotified[address]
}

func (e *Engine) storeMessage(message models.Message) error {
	message.IsConfirmed = true
	if message.Hash == "" {
		message.Hash = models.ContentHash(message.Payload)
	}
	if message.IsInput {
		return e.store.AddMessage(message)
	}
	return e.reconcileOutbound(message)
}

// reconcileOutbound pairs the relay echo of a sent message with its local
// unconfirmed copy: first by content hash, then the oldest pending copy.
func (e *Engine) reconcileOutbound(echo models.Message) error {
	existing, err := e.store.GetMessageByCounter(echo.Owner, echo.Counter)
	switch {
	case err == nil && existing.IsConfirmed && existing.Hash == echo.Hash:
		return nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return err
	}

	pending, err := e.store.FindUnconfirmedByHash(echo.Owner, echo.Hash)
	if errors.Is(err, storage.ErrNotFound) {
		pending, err = e.store.FindLowestUnconfirmed(echo.Owner)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return e.store.AddMessage(echo)
	}
	if err != nil {
		return err
	}
	return e.store.ConfirmMessage(echo.Owner, pending.Counter, echo.Counter)
}

func (e *Engine) requestRange(address string, r counterRange) {
	d, ok := e.deferred[address]
	if !ok {
		d = &DeferredFetch{}
		e.deferred[address] = d
	}
	d.Armed = true
	d.DueAt = e.clock.Now().Add(e.delay)

	for _, outstanding := range d.ranges {
		if outstanding.covers(r) {
			e.logger.Debug("gap fetch already outstanding", "address", address, "from", r.from, "to", r.to)
			return
		}
	}
	d.ranges = append(d.ranges, r)

	e.logger.Info("fetching gap", "address", address, "from", r.from, "to", r.to)
	if err := e.fetch(address, r.from, r.to); err != nil {
		e.logger.Warn("gap fetch not sent", "address", address, "from", r.from, "to", r.to, "error", err)
	}
}

func (e *Engine) resolveIfFilled(address string, d *DeferredFetch) error {
	for _, r := range d.ranges {
		count, err := e.store.CountConfirmedInRange(address, r.from, r.to-1)
		if err != nil {
			return fmt.Errorf("check gap for %s: %w", address, err)
		}
		if count < int(r.to-r.from) {
			return nil
		}
	}
	delete(e.deferred, address)

	confirmed, err := e.store.GetMessageMaxConfirmedCounter(address)
	if err != nil {
		return fmt.Errorf("read confirmed counter for %s: %w", address, err)
	}
	e.logger.Info("gap filled", "address", address, "confirmed", confirmed)
	e.notifyUpTo(address, confirmed)
	return nil
}

func (e *Engine) notifyUpTo(address string, counter models.Counter) {
	if counter == 0 {
		return
	}
	if last, ok := e.lastNotified[address]; ok && counter <= last {
		e.logger.Debug("notification already delivered", "address", address, "counter", counter, "last", last)
		return
	}
	e.lastNotified[address] = counter
	e.notify(address, counter)
}
