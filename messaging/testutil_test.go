package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crewchat/e2ee"
	"crewchat/storage"
)

// memProvider is an in-memory identity/key service shared between the test
// users, standing in for the hosted provider.
type memProvider struct {
	mu        sync.Mutex
	keys      map[string][]byte
	groupKeys map[string]e2ee.WrappedGroupKey
}

func newMemProvider() *memProvider {
	return &memProvider{
		keys:      make(map[string][]byte),
		groupKeys: make(map[string]e2ee.WrappedGroupKey),
	}
}

func groupKeyID(groupID, memberID string) string {
	return groupID + "|" + memberID
}

func (p *memProvider) FetchToken(_ context.Context, userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		return "", err
	}
	return signed, nil
}

func (p *memProvider) PublishKey(_ context.Context, _ string, userID string, publicKey []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[userID] = append([]byte(nil), publicKey...)
	return nil
}

func (p *memProvider) LookupKey(_ context.Context, _ string, userID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.keys[userID]
	if !ok {
		return nil, fmt.Errorf("%w: no key for %q", e2ee.ErrKeyNotFound, userID)
	}
	return key, nil
}

func (p *memProvider) StoreGroupKey(_ context.Context, _ string, entry e2ee.WrappedGroupKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groupKeys[groupKeyID(entry.GroupID, entry.MemberID)] = entry
	return nil
}

func (p *memProvider) FetchGroupKey(_ context.Context, _ string, groupID, memberID string) (e2ee.WrappedGroupKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.groupKeys[groupKeyID(groupID, memberID)]
	if !ok {
		return e2ee.WrappedGroupKey{}, fmt.Errorf("%w: no group key for %q in %q", e2ee.ErrKeyNotFound, memberID, groupID)
	}
	return entry, nil
}

func (p *memProvider) RemoveGroupKey(_ context.Context, _ string, groupID, memberID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.groupKeys, groupKeyID(groupID, memberID))
	return nil
}

// fakeStream is an in-process subscription service. Events are dispatched
// synchronously so tests observe effects without polling.
type fakeStream struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]fakeSub
}

type fakeSub struct {
	table   string
	filter  string
	handler func(json.RawMessage)
}

func newFakeStream() *fakeStream {
	return &fakeStream{subs: make(map[int]fakeSub)}
}

func (f *fakeStream) Subscribe(_ context.Context, table, filter string, handler func(json.RawMessage)) (func(), error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = fakeSub{table: table, filter: filter, handler: handler}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}, nil
}

func (f *fakeStream) emit(t *testing.T, table, filter string, record any) {
	t.Helper()

	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal event record: %v", err)
	}

	f.mu.Lock()
	handlers := make([]func(json.RawMessage), 0)
	for _, sub := range f.subs {
		if sub.table == table && sub.filter == filter {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

func (f *fakeStream) subCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, sub := range f.subs {
		if sub.table == table {
			count++
		}
	}
	return count
}

// testEnv holds a shared backend (store, provider, stream) plus one
// initialized encryption gateway per user.
type testEnv struct {
	store    *storage.Store
	provider *memProvider
	stream   *fakeStream
	gateways map[string]*e2ee.Gateway
}

func newTestEnv(t *testing.T, userIDs ...string) *testEnv {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	env := &testEnv{
		store:    store,
		provider: newMemProvider(),
		stream:   newFakeStream(),
		gateways: make(map[string]*e2ee.Gateway),
	}
	for _, userID := range userIDs {
		session := e2ee.NewSession(env.provider, nil)
		if err := session.Initialize(context.Background(), userID); err != nil {
			t.Fatalf("initialize session for %q: %v", userID, err)
		}
		env.gateways[userID] = e2ee.NewGateway(session, nil)
	}
	return env
}

func (e *testEnv) gateway(t *testing.T, userID string) *e2ee.Gateway {
	t.Helper()
	gateway, ok := e.gateways[userID]
	if !ok {
		t.Fatalf("no gateway for user %q", userID)
	}
	return gateway
}

func (e *testEnv) manager(t *testing.T, userID string) *ChannelManager {
	t.Helper()
	return NewChannelManager(e.store, e.gateway(t, userID), e.stream, nil)
}

func (e *testEnv) pipeline(t *testing.T, userID string) *Pipeline {
	t.Helper()
	return NewPipeline(e.store, e.gateway(t, userID), nil)
}

func (e *testEnv) client(t *testing.T, userID string) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		Store:  e.store,
		Cipher: e.gateway(t, userID),
		Stream: e.stream,
	})
	if err != nil {
		t.Fatalf("new client for %q: %v", userID, err)
	}
	t.Cleanup(client.Close)
	return client
}

func (e *testEnv) mustCreateConversation(t *testing.T, conversationID string, participants ...string) Scope {
	t.Helper()
	if err := e.store.CreateConversation(conversationID, participants); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return ConversationScope(conversationID)
}

// mustCreateGroup provisions both the membership rows and the distributed
// group key, with the first member acting as creator.
func (e *testEnv) mustCreateGroup(t *testing.T, groupID, name string, members ...string) Scope {
	t.Helper()
	if err := e.store.CreateGroupChat(groupID, name, members); err != nil {
		t.Fatalf("create group chat: %v", err)
	}
	if err := e.gateway(t, members[0]).CreateGroup(context.Background(), groupID, members); err != nil {
		t.Fatalf("create group key: %v", err)
	}
	return GroupScope(groupID)
}

// emitMessage replays a stored message as an insert event on its scope.
func (e *testEnv) emitMessage(t *testing.T, scope Scope, message DecryptedMessage, ciphertextOverride []byte) {
	t.Helper()

	stored, err := e.store.MessageByID(message.MessageID)
	if err != nil {
		t.Fatalf("load stored message: %v", err)
	}
	if ciphertextOverride != nil {
		stored.Ciphertext = ciphertextOverride
	}
	e.stream.emit(t, TableMessages, scopeFilter(scope), messageRecord{
		MessageID:      stored.MessageID,
		SenderID:       stored.SenderID,
		ConversationID: stored.ConversationID,
		GroupID:        stored.GroupID,
		Ciphertext:     stored.Ciphertext,
		MessageType:    stored.MessageType,
		CreatedAt:      stored.CreatedAt,
	})
}

func (e *testEnv) emitReceipt(t *testing.T, scope Scope, messageID, userID string) {
	t.Helper()
	e.stream.emit(t, TableReadReceipts, scopeFilter(scope), receiptRecord{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    time.Now().UnixMilli(),
	})
}

// eventRecorder collects channel events in arrival order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listener() Listener {
	return func(event Event) {
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
