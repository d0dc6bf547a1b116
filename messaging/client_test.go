package messaging

import (
	"context"
	"errors"
	"testing"
)

func TestClientOpenLoadsHistoryAndMarksBacklogSeen(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	scope := env.mustCreateConversation(t, "conv-1", "alice", "bob")

	sent, err := env.pipeline(t, "alice").Send(context.Background(), scope, "backlog", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	client := env.client(t, "bob")
	if err := client.Open(context.Background(), scope); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if client.Loading() {
		t.Fatal("client still loading after Open returned")
	}
	if client.Err() != nil {
		t.Fatalf("client error after Open: %v", client.Err())
	}

	messages := client.Messages()
	if len(messages) != 1 || messages[0].Content != "backlog" {
		t.Fatalf("unexpected view: %+v", messages)
	}

	read, err := env.store.IsRead(sent.MessageID, "bob")
	if err != nil {
		t.Fatalf("IsRead failed: %v", err)
	}
	if !read {
		t.Fatal("backlog message not marked seen on Open")
	}
}

func TestClientAppendsLiveMessagesAndNotifiesHandlers(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	scope := env.mustCreateConversation(t, "conv-1", "alice", "bob")

	client := env.client(t, "bob")
	if err := client.Open(context.Background(), scope); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var notified []Event
	off := client.On(EventNewMessage, func(event Event) {
		notified = append(notified, event)
	})
	defer off()

	sent, err := env.pipeline(t, "alice").Send(context.Background(), scope, "live one", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	env.emitMessage(t, scope, sent, nil)

	messages := client.Messages()
	if len(messages) != 1 || messages[0].Content != "live one" {
		t.Fatalf("unexpected view: %+v", messages)
	}
	if len(notified) != 1 || notified[0].Message.Content != "live one" {
		t.Fatalf("handler saw %+v", notified)
	}

	// Removing the handler stops notifications but not the view updates.
	off()
	off() // idempotent

	second, err := env.pipeline(t, "alice").Send(context.Background(), scope, "live two", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	env.emitMessage(t, scope, second, nil)

	if len(notified) != 1 {
		t.Fatalf("removed handler was notified %d times", len(notified))
	}
	if len(client.Messages()) != 2 {
		t.Fatalf("view has %d messages, want 2", len(client.Messages()))
	}
}

func TestClientSendAppendsOwnMessage(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	scope := env.mustCreateConversation(t, "conv-1", "alice", "bob")

	client := env.client(t, "alice")
	if err := client.Open(context.Background(), scope); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	messageID, err := client.SendMessage(context.Background(), "Hello", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if messageID == "" {
		t.Fatal("SendMessage returned no ID")
	}

	messages := client.Messages()
	if len(messages) != 1 {
		t.Fatalf("view has %d messages, want 1", len(messages))
	}
	if messages[0].Content != "Hello" || messages[0].ReadStatus != ReadStatusUndelivered {
		t.Fatalf("unexpected own message: %+v", messages[0])
	}

	// The sender's own insert event does not duplicate the view entry.
	env.emitMessage(t, scope, messages[0], nil)
	if len(client.Messages()) != 1 {
		t.Fatalf("view has %d messages after echo, want 1", len(client.Messages()))
	}
}

func TestClientKeepsMessageArrivingDuringHistoryLoad(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	scope := env.mustCreateConversation(t, "conv-1", "alice", "bob")

	older, err := env.pipeline(t, "alice").Send(context.Background(), scope, "in history", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	client := env.client(t, "bob")

	// A message persisted after the history query but delivered by the live
	// channel before the load finishes must survive the view install.
	history, err := env.pipeline(t, "bob").LoadHistory(context.Background(), scope)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	client.mu.Lock()
	client.scope = scope
	client.hasScope = true
	client.loading = true
	client.mu.Unlock()

	live := DecryptedMessage{
		MessageID:  "racing-message",
		SenderID:   "alice",
		Scope:      scope,
		Content:    "arrived mid-load",
		CreatedAt:  older.CreatedAt + 1,
		ReadStatus: ReadStatusDelivered,
	}
	client.handleEvent(Event{Kind: EventNewMessage, Message: live})
	client.finishOpen(history, func() {}, nil)

	messages := client.Messages()
	if len(messages) != 2 {
		t.Fatalf("view has %d messages, want 2: %+v", len(messages), messages)
	}
	if messages[0].Content != "in history" || messages[1].Content != "arrived mid-load" {
		t.Fatalf("unexpected view after merge: %+v", messages)
	}
}

func TestClientDoesNotDuplicateHistoryRowDeliveredLive(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	scope := env.mustCreateConversation(t, "conv-1", "alice", "bob")

	sent, err := env.pipeline(t, "alice").Send(context.Background(), scope, "backlog", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	client := env.client(t, "bob")
	if err := client.Open(context.Background(), scope); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// The stream replays the row the history query already returned.
	env.emitMessage(t, scope, sent, nil)

	messages := client.Messages()
	if len(messages) != 1 {
		t.Fatalf("view has %d messages after replay, want 1: %+v", len(messages), messages)
	}
}

func TestClientSendWithoutOpenScope(t *testing.T) {
	env := newTestEnv(t, "alice")
	client := env.client(t, "alice")

	if _, err := client.SendMessage(context.Background(), "Hello", ""); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope, got %v", err)
	}
}

func TestClientReadEventUpdatesView(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	scope := env.mustCreateConversation(t, "conv-1", "alice", "bob")

	client := env.client(t, "alice")
	if err := client.Open(context.Background(), scope); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var readEvents []Event
	off := client.On(EventMessageRead, func(event Event) {
		readEvents = append(readEvents, event)
	})
	defer off()

	messageID, err := client.SendMessage(context.Background(), "Hello", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	tracker := NewReceiptTracker(env.store, env.gateway(t, "bob"), nil)
	if err := tracker.MarkRead(context.Background(), messageID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	env.emitReceipt(t, scope, messageID, "bob")

	messages := client.Messages()
	if messages[0].ReadStatus != ReadStatusRead {
		t.Fatalf("view status = %q, want read", messages[0].ReadStatus)
	}
	if len(readEvents) != 1 || readEvents[0].Message.MessageID != messageID {
		t.Fatalf("read handler saw %+v", readEvents)
	}
}

func TestClientMarkAsReadUpdatesViewAndStore(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	scope := env.mustCreateConversation(t, "conv-1", "alice", "bob")

	client := env.client(t, "bob")
	if err := client.Open(context.Background(), scope); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sent, err := env.pipeline(t, "alice").Send(context.Background(), scope, "unread", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	env.emitMessage(t, scope, sent, nil)

	if err := client.MarkAsRead(context.Background(), sent.MessageID); err != nil {
		t.Fatalf("MarkAsRead failed: %v", err)
	}

	read, err := env.store.IsRead(sent.MessageID, "bob")
	if err != nil {
		t.Fatalf("IsRead failed: %v", err)
	}
	if !read {
		t.Fatal("receipt not persisted")
	}
	if client.Messages()[0].ReadStatus != ReadStatusRead {
		t.Fatalf("view status = %q, want read", client.Messages()[0].ReadStatus)
	}
}

func TestClientOpenSwitchesScopes(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol")
	first := env.mustCreateConversation(t, "conv-1", "alice", "bob")
	second := env.mustCreateConversation(t, "conv-2", "bob", "carol")

	sentFirst, err := env.pipeline(t, "alice").Send(context.Background(), first, "in first", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := env.pipeline(t, "carol").Send(context.Background(), second, "in second", ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	client := env.client(t, "bob")
	if err := client.Open(context.Background(), first); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := client.Open(context.Background(), second); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	messages := client.Messages()
	if len(messages) != 1 || messages[0].Content != "in second" {
		t.Fatalf("unexpected view after switch: %+v", messages)
	}

	// The first scope's channel was disposed; its events no longer land.
	env.emitMessage(t, first, sentFirst, nil)
	for _, message := range client.Messages() {
		if message.Scope == first {
			t.Fatalf("view contains message from disposed scope: %+v", message)
		}
	}

	if scope, ok := client.Scope(); !ok || scope != second {
		t.Fatalf("Scope() = %v, %v; want %v, true", scope, ok, second)
	}
}

func TestClientCloseDisposesChannel(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	scope := env.mustCreateConversation(t, "conv-1", "alice", "bob")

	client := env.client(t, "bob")
	if err := client.Open(context.Background(), scope); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := env.stream.subCount(TableMessages); got != 1 {
		t.Fatalf("message subscriptions = %d, want 1", got)
	}

	client.Close()
	client.Close() // idempotent

	if got := env.stream.subCount(TableMessages); got != 0 {
		t.Fatalf("message subscriptions after Close = %d, want 0", got)
	}
	if err := client.Open(context.Background(), scope); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := client.SendMessage(context.Background(), "late", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewClientValidatesDependencies(t *testing.T) {
	env := newTestEnv(t, "alice")

	if _, err := NewClient(ClientOptions{Cipher: env.gateway(t, "alice"), Stream: env.stream}); err == nil {
		t.Fatal("NewClient accepted missing store")
	}
	if _, err := NewClient(ClientOptions{Store: env.store, Stream: env.stream}); err == nil {
		t.Fatal("NewClient accepted missing cipher")
	}
	if _, err := NewClient(ClientOptions{Store: env.store, Cipher: env.gateway(t, "alice")}); err == nil {
		t.Fatal("NewClient accepted missing stream")
	}
}
