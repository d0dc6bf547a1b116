package storage

import (
	"testing"
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

func mustCreateConversation(t *testing.T, store *Store, conversationID string, participants ...string) {
	t.Helper()

	if err := store.CreateConversation(conversationID, participants); err != nil {
		t.Fatalf("create conversation %q: %v", conversationID, err)
	}
}

func mustSaveConversationMessage(t *testing.T, store *Store, conversationID, senderID, ciphertext string) Message {
	t.Helper()

	saved, err := store.SaveMessage(Message{
		SenderID:       senderID,
		ConversationID: &conversationID,
		Ciphertext:     []byte(ciphertext),
	})
	if err != nil {
		t.Fatalf("save message in conversation %q: %v", conversationID, err)
	}
	return saved
}
