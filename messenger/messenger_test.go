package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"relaychat/models"
	"relaychat/network"
	"relaychat/storage"
)

type fakeTransport struct {
	messages chan []byte
	events   chan network.Event
	sent     chan []byte

	mu      sync.Mutex
	hello   [][]byte
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: make(chan []byte, 16),
		events:   make(chan network.Event, 16),
		sent:     make(chan []byte, 64),
	}
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent <- payload
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte      { return f.messages }
func (f *fakeTransport) Events() <-chan network.Event { return f.events }

func (f *fakeTransport) SetHello(frames [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hello = append([][]byte(nil), frames...)
}

func (f *fakeTransport) AddHello(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hello = append(f.hello, frame)
}

func (f *fakeTransport) helloCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hello)
}

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

type fakeSigner struct{}

func (fakeSigner) SignBatch(address string, messages []string) (string, []string, error) {
	signs := make([]string, len(messages))
	for i := range messages {
		signs[i] = fmt.Sprintf("sig-%s-%d", address, i)
	}
	return "pub-" + address, signs, nil
}

func (fakeSigner) EncryptWithOwnPrivateKey(dataHex, address string) (string, error) {
	return "self-" + dataHex, nil
}

func (fakeSigner) Tick(time.Time) {}

type sentFrame struct {
	ID     network.RequestID `json:"id"`
	Method string            `json:"method"`
	Params json.RawMessage   `json:"params"`
}

type harness struct {
	t         *testing.T
	store     *storage.Store
	transport *fakeTransport
	clock     *clock.Mock
	messenger *Messenger
	notices   chan notification
	cancel    context.CancelFunc
	stopped   chan struct{}
}

func newHarness(t *testing.T, policy PendingPolicy) *harness {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	h := &harness{
		t:         t,
		store:     store,
		transport: newFakeTransport(),
		clock:     clock.NewMock(),
		notices:   make(chan notification, 16),
		stopped:   make(chan struct{}),
	}
	h.messenger, err = New(Options{
		Store:         store,
		Transport:     h.transport,
		Signer:        fakeSigner{},
		Clock:         h.clock,
		PendingPolicy: policy,
		OnNewMessages: func(address string, counter models.Counter) {
			h.notices <- notification{address: address, counter: counter}
		},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.stopped)
		_ = h.messenger.Run(ctx)
	}()
	h.t.Cleanup(h.stop)
	h.sync()
}

func (h *harness) stop() {
	h.cancel()
	<-h.stopped
}

// sync waits for one round trip through the loop.
func (h *harness) sync() {
	h.t.Helper()
	errCh := make(chan error, 1)
	h.messenger.LastCounter("sync", func(_ models.Counter, err error) { errCh <- err })
	require.NoError(h.t, <-errCh)
}

func (h *harness) seedUser(address string, counters ...models.Counter) {
	h.t.Helper()
	entries := make([]models.SignedString, 0, 4)
	for i, text := range network.StringsForSign() {
		entries = append(entries, models.SignedString{Key: text, Value: fmt.Sprintf("cached-%d", i)})
	}
	require.NoError(h.t, h.store.SetSignedStrings(address, "pub-"+address, entries))
	for _, message := range relayBatch(counters...) {
		message.Owner = address
		require.NoError(h.t, h.store.AddMessage(message))
	}
}

func (h *harness) nextSent() sentFrame {
	h.t.Helper()
	select {
	case payload := <-h.transport.sent:
		var frame sentFrame
		require.NoError(h.t, json.Unmarshal(payload, &frame))
		return frame
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no frame sent")
		return sentFrame{}
	}
}

func (h *harness) nextNotice() notification {
	h.t.Helper()
	select {
	case n := <-h.notices:
		return n
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no notification")
		return notification{}
	}
}

func (h *harness) push(frame string) {
	h.transport.messages <- []byte(frame)
}

func wireBatch(counters ...models.Counter) string {
	messages := make([]network.WireMessage, 0, len(counters))
	for _, counter := range counters {
		messages = append(messages, network.WireMessage{Collocutor: "B", Data: "aa", Timestamp: 1000, Counter: counter, IsInput: true})
	}
	encoded, _ := json.Marshal(network.MessagesResult{Messages: messages})
	return string(encoded)
}

func TestFirstTickResubscribesAddresses(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.seedUser("A")
	h.start()

	h.clock.Add(time.Second)

	presence := h.nextSent()
	require.Equal(t, network.MethodAppendKeyOnline, presence.Method)
	require.Zero(t, presence.ID)
	var params network.AppendKeyOnlineParams
	require.NoError(t, json.Unmarshal(presence.Params, &params))
	require.Equal(t, "pub-A", params.Pubkey)
	require.Equal(t, "cached-3", params.Sign)

	count := h.nextSent()
	require.Equal(t, network.MethodCountMessages, count.Method)
	require.Equal(t, network.RequestID(1), count.ID)

	h.sync()
	require.Equal(t, 1, h.transport.helloCount())
}

func TestCountReportFetchesAndNotifies(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.seedUser("A", 1, 2)
	h.start()

	h.clock.Add(time.Second)
	_ = h.nextSent()
	count := h.nextSent()
	h.push(fmt.Sprintf(`{"id":%d,"method":"COUNT_MESSAGES","address":"A","result":{"count":4}}`, count.ID))

	fetch := h.nextSent()
	require.Equal(t, network.MethodGetMessages, fetch.Method)
	var params network.GetMessagesParams
	require.NoError(t, json.Unmarshal(fetch.Params, &params))
	require.Equal(t, models.Counter(3), params.From)
	require.Equal(t, models.Counter(5), params.To)
	require.Equal(t, "cached-0", params.Sign)

	h.push(fmt.Sprintf(`{"id":%d,"method":"GET_MESSAGES","address":"A","result":%s}`, fetch.ID, wireBatch(3, 4)))
	require.Equal(t, notification{address: "A", counter: 4}, h.nextNotice())
}

func TestPushWithGapDefersNotificationUntilFilled(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.seedUser("A", 1, 2)
	h.start()

	h.push(`{"method":"NEW_MSGS","address":"A","result":` + wireBatch(5, 6, 7) + `}`)

	fetch := h.nextSent()
	require.Equal(t, network.MethodGetMessages, fetch.Method)
	var params network.GetMessagesParams
	require.NoError(t, json.Unmarshal(fetch.Params, &params))
	require.Equal(t, models.Counter(3), params.From)
	require.Equal(t, models.Counter(5), params.To)

	h.sync()
	require.Empty(t, h.notices)

	h.push(fmt.Sprintf(`{"id":%d,"method":"GET_MESSAGES","address":"A","result":%s}`, fetch.ID, wireBatch(3, 4)))
	require.Equal(t, notification{address: "A", counter: 7}, h.nextNotice())
}

func TestSinglePushWithoutGapNotifiesImmediately(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.seedUser("A", 1)
	h.start()

	h.push(`{"method":"NEW_MSG","address":"A","result":{"collocutor":"B","data":"ff","timestamp":5,"counter":2,"is_input":true}}`)
	require.Equal(t, notification{address: "A", counter: 2}, h.nextNotice())

	message, err := h.store.GetMessageByCounter("A", 2)
	require.NoError(t, err)
	require.True(t, message.IsConfirmed)
	require.Equal(t, "ff", message.Payload)
}

func TestRelayErrorsAreRoutedByID(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.start()

	errCh := make(chan error, 1)
	h.messenger.SavePubkeyAddress("B", "pub-A", "sig", func(_ string, err error) { errCh <- err })
	request := h.nextSent()
	require.Equal(t, network.MethodGetPubkey, request.Method)

	h.push(`{"method":"GET_PUBKEY","error":"rate limited"}`)
	h.push(`{"id":99,"method":"GET_PUBKEY","error":"stale"}`)
	h.sync()
	require.Empty(t, errCh)

	h.push(fmt.Sprintf(`{"id":%d,"method":"GET_PUBKEY","address":"B","error":"unknown address"}`, request.ID))
	err := <-errCh
	require.ErrorIs(t, err, network.ErrRelay)
	require.Contains(t, err.Error(), "unknown address")
}

func TestMalformedFramesDoNotStopTheLoop(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.start()

	h.push(`not json`)
	h.push(`{"id":3,"method":"SUBSCRIBE"}`)
	h.push(`{"method":"NEW_MSGS","address":"A","result":{"messages":[]}}`)
	h.push(`{"id":42,"method":"COUNT_MESSAGES","result":{"count":1}}`)
	h.sync()
}

func TestSavePubkeyStoresAndCaches(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.start()

	type result struct {
		pubkey string
		err    error
	}
	saved := make(chan result, 1)
	h.messenger.SavePubkeyAddress("B", "pub-A", "sig", func(pubkey string, err error) { saved <- result{pubkey, err} })
	request := h.nextSent()
	h.push(fmt.Sprintf(`{"id":%d,"method":"GET_PUBKEY","result":{"address":"B","pubkey":"rsa-b"}}`, request.ID))

	got := <-saved
	require.NoError(t, got.err)
	require.Equal(t, "rsa-b", got.pubkey)

	stored, err := h.store.GetUserPublicKey("B")
	require.NoError(t, err)
	require.Equal(t, "rsa-b", stored)

	loaded := make(chan result, 1)
	h.messenger.GetPubkeyAddress("B", func(pubkey string, err error) { loaded <- result{pubkey, err} })
	got = <-loaded
	require.NoError(t, got.err)
	require.Equal(t, "rsa-b", got.pubkey)

	h.messenger.GetPubkeyAddress("C", func(pubkey string, err error) { loaded <- result{pubkey, err} })
	require.True(t, IsNotFound((<-loaded).err))
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.start()

	errCh := make(chan error, 1)
	h.messenger.SavePubkeyAddress("B", "pub-A", "sig", func(_ string, err error) { errCh <- err })
	_ = h.nextSent()

	h.transport.events <- network.Event{Type: network.EventDisconnected, Err: errors.New("read frame: EOF")}
	require.ErrorIs(t, <-errCh, network.ErrDisconnected)
}

func TestDisconnectKeepsPendingRequests(t *testing.T) {
	h := newHarness(t, PendingKeep)
	h.start()

	errCh := make(chan error, 1)
	h.messenger.SavePubkeyAddress("B", "pub-A", "sig", func(_ string, err error) { errCh <- err })
	request := h.nextSent()

	h.transport.events <- network.Event{Type: network.EventDisconnected}
	h.sync()
	require.Empty(t, errCh)

	h.push(fmt.Sprintf(`{"id":%d,"method":"GET_PUBKEY","result":{"address":"B","pubkey":"rsa-b"}}`, request.ID))
	require.NoError(t, <-errCh)
}

func TestEveryConnectRequestsCounts(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.seedUser("A")
	h.seedUser("B")
	h.start()

	connected := make(chan bool, 1)
	h.messenger.Connected(func(ok bool, _ error) { connected <- ok })
	require.False(t, <-connected)

	h.transport.events <- network.Event{Type: network.EventConnected}
	first, second := h.nextSent(), h.nextSent()
	require.Equal(t, network.MethodCountMessages, first.Method)
	require.Equal(t, network.MethodCountMessages, second.Method)

	h.messenger.Connected(func(ok bool, _ error) { connected <- ok })
	require.True(t, <-connected)

	h.transport.events <- network.Event{Type: network.EventDisconnected}
	h.transport.events <- network.Event{Type: network.EventConnected}
	third, fourth := h.nextSent(), h.nextSent()
	require.Equal(t, network.MethodCountMessages, third.Method)
	require.Equal(t, network.MethodCountMessages, fourth.Method)
}

func TestSendMessageIsConfirmedByEcho(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.start()

	type result struct {
		counter models.Counter
		err     error
	}
	sent := make(chan result, 1)
	h.messenger.SendMessage(Outgoing{
		From:      "A",
		To:        "B",
		DataHex:   "cafe",
		PlainHex:  "0102",
		Pubkey:    "pub-A",
		Sign:      "sig",
		Timestamp: 77,
	}, func(counter models.Counter, err error) { sent <- result{counter, err} })

	request := h.nextSent()
	require.Equal(t, network.MethodSendMessage, request.Method)
	var params network.SendMessageParams
	require.NoError(t, json.Unmarshal(request.Params, &params))
	require.Equal(t, "B", params.To)
	require.Equal(t, "cafe", params.Data)

	local, err := h.store.GetMessageByCounter("A", 1)
	require.NoError(t, err)
	require.False(t, local.IsConfirmed)
	require.Equal(t, "self-0102", local.Payload)

	h.push(fmt.Sprintf(`{"id":%d,"method":"SEND_MESSAGE","result":{}}`, request.ID))
	got := <-sent
	require.NoError(t, got.err)
	require.Equal(t, models.Counter(1), got.counter)

	h.push(`{"method":"NEW_MSG","address":"A","result":{"collocutor":"B","data":"cafe","timestamp":77,"counter":1,"is_input":false}}`)
	require.Equal(t, notification{address: "A", counter: 1}, h.nextNotice())

	type page struct {
		messages []models.Message
		err      error
	}
	history := make(chan page, 1)
	h.messenger.History("A", 1, 10, func(messages []models.Message, err error) { history <- page{messages, err} })
	page1 := <-history
	require.NoError(t, page1.err)
	messages := page1.messages
	require.Len(t, messages, 1)
	require.True(t, messages[0].IsConfirmed)
	require.Equal(t, "self-0102", messages[0].Payload)
}

func TestHistoryWithFiltersByCollocutor(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.seedUser("A", 1, 3, 5)
	for _, counter := range []models.Counter{2, 4} {
		require.NoError(t, h.store.AddMessage(models.Message{
			Owner:       "A",
			Collocutor:  "C",
			Payload:     "cc",
			Counter:     counter,
			IsInput:     true,
			IsConfirmed: true,
			Hash:        models.ContentHash("cc"),
		}))
	}
	h.start()

	type page struct {
		messages []models.Message
		err      error
	}
	counters := func(p page) []models.Counter {
		require.NoError(t, p.err)
		out := make([]models.Counter, 0, len(p.messages))
		for _, message := range p.messages {
			out = append(out, message.Counter)
		}
		return out
	}
	pages := make(chan page, 1)
	done := func(messages []models.Message, err error) { pages <- page{messages, err} }

	h.messenger.HistoryWith("A", "B", 1, 4, done)
	require.Equal(t, []models.Counter{1, 3}, counters(<-pages))

	h.messenger.HistoryWith("A", "C", 1, 10, done)
	require.Equal(t, []models.Counter{2, 4}, counters(<-pages))

	h.messenger.HistoryWithCount("A", "B", 2, 5, done)
	require.Equal(t, []models.Counter{3, 5}, counters(<-pages))

	h.messenger.HistoryWithCount("A", "B", 5, 3, done)
	require.Equal(t, []models.Counter{1, 3}, counters(<-pages))
}

func TestSendFailureCompletesImmediately(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.start()
	h.transport.failSends(network.ErrNotConnected)

	errCh := make(chan error, 1)
	h.messenger.SavePubkeyAddress("B", "pub-A", "sig", func(_ string, err error) { errCh <- err })
	require.ErrorIs(t, <-errCh, network.ErrNotConnected)
}

func TestSignStringsCachesSignatures(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.start()

	errCh := make(chan error, 1)
	h.messenger.SignStrings("A", func(_ struct{}, err error) { errCh <- err })
	require.NoError(t, <-errCh)

	pubkey, sign, err := h.store.GetSignedString("A", network.TextForGetMessages)
	require.NoError(t, err)
	require.Equal(t, "pub-A", pubkey)
	require.Equal(t, "sig-A-0", sign)
}

func TestSavedPosRoundTrip(t *testing.T) {
	h := newHarness(t, PendingFail)
	h.seedUser("A")
	h.start()

	errCh := make(chan error, 1)
	h.messenger.SavePos("A", 9, func(_ struct{}, err error) { errCh <- err })
	require.NoError(t, <-errCh)

	var pos models.Counter
	h.messenger.SavedPos("A", func(p models.Counter, err error) {
		pos = p
		errCh <- err
	})
	require.NoError(t, <-errCh)
	require.Equal(t, models.Counter(9), pos)
}

func TestStopFailsPendingAndLaterCalls(t *testing.T) {
	h := newHarness(t, PendingKeep)
	h.start()

	errCh := make(chan error, 2)
	h.messenger.SavePubkeyAddress("B", "pub-A", "sig", func(_ string, err error) { errCh <- err })
	_ = h.nextSent()

	h.stop()
	require.ErrorIs(t, <-errCh, ErrStopped)

	h.messenger.LastCounter("A", func(_ models.Counter, err error) { errCh <- err })
	require.ErrorIs(t, <-errCh, ErrStopped)
}
