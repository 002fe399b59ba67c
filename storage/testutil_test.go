package storage

import (
	"testing"

	"relaychat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddMessage(t *testing.T, store *Store, message models.Message) {
	t.Helper()

	if message.Hash == "" {
		message.Hash = models.ContentHash(message.Payload)
	}
	if err := store.AddMessage(message); err != nil {
		t.Fatalf("add message %d for %q: %v", message.Counter, message.Owner, err)
	}
}

func inbound(owner, collocutor, payload string, counter models.Counter) models.Message {
	return models.Message{
		Owner:       owner,
		Collocutor:  collocutor,
		Payload:     payload,
		Timestamp:   1000 + int64(counter),
		Counter:     counter,
		IsInput:     true,
		IsConfirmed: true,
		IsEncrypted: true,
	}
}

func counters(messages []models.Message) []models.Counter {
	out := make([]models.Counter, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.Counter)
	}
	return out
}

func equalCounters(got []models.Counter, want ...models.Counter) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
