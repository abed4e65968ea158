package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aldenis/chatwire/internal/auth"
	"github.com/aldenis/chatwire/internal/conn"
	"github.com/aldenis/chatwire/internal/protocol"
	"github.com/aldenis/chatwire/internal/transport"
)

type memStore struct {
	mu       sync.Mutex
	messages map[string]protocol.ChatMessage
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]protocol.ChatMessage)}
}

func (s *memStore) AddMessage(msg protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
}

func (s *memStore) SetTypingIndicator(string, bool) {}

func (s *memStore) UpdateContactStatus(string, string) {}

func (s *memStore) UpdateMessageStatus(messageID, _ string, status protocol.MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[messageID]; ok {
		msg.Status = status
		s.messages[messageID] = msg
	}
}

func (s *memStore) get(id string) (protocol.ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	return msg, ok
}

// stubConn records writes and keeps the read side open until Close.
type stubConn struct {
	mu      sync.Mutex
	writes  [][]byte
	onWrite func([]byte)
	done    chan struct{}
	once    sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{done: make(chan struct{})}
}

func (c *stubConn) ReadMessage() ([]byte, error) {
	<-c.done
	return nil, errors.New("closed")
}

func (c *stubConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *stubConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var envs []protocol.Envelope
	for _, data := range c.writes {
		if protocol.IsPing(data) {
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("written frame does not decode: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

type stubDialer struct {
	mu    sync.Mutex
	fail  bool
	conns []*stubConn
}

func (d *stubDialer) Dial(context.Context, string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("dial refused")
	}
	c := newStubConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) last() *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestAPI(t *testing.T, dialer *stubDialer, retryDelay time.Duration) (*API, *conn.Manager, *memStore) {
	t.Helper()
	provider := &auth.Static{UserID: "alice", Token: "secret"}
	mgr, err := conn.New(conn.Config{
		URL:               "ws://chat.test/ws",
		KeepaliveInterval: time.Hour,
		BaseDelay:         time.Hour, // automatic reconnects must not interfere
		MaxAttempts:       5,
	}, provider, dialer, nil, nil)
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	t.Cleanup(mgr.Disconnect)
	st := newMemStore()
	return New(mgr, st, provider, nil, nil, retryDelay), mgr, st
}

func waitConnected(t *testing.T, mgr *conn.Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.Connected() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("manager never reached connected, state=%s", mgr.State())
}

func TestSendChatMessageStoresBeforeTransmit(t *testing.T) {
	dialer := &stubDialer{}
	api, mgr, st := newTestAPI(t, dialer, 10*time.Millisecond)
	mgr.Connect()
	waitConnected(t, mgr)

	// The write hook observes the store at transmission time: the local
	// copy must already be there.
	var storedAtWrite bool
	dialer.last().onWrite = func(data []byte) {
		env, err := protocol.Decode(data)
		if err != nil {
			return
		}
		if p, ok := env.Payload.(protocol.MessagePayload); ok {
			_, storedAtWrite = st.get(p.ID)
		}
	}

	id, err := api.SendChatMessage(context.Background(), "bob", "hello", nil)
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if !storedAtWrite {
		t.Fatal("message must be in the store before it hits the wire")
	}

	msg, ok := st.get(id)
	if !ok {
		t.Fatal("message missing from store")
	}
	if msg.SenderID != "alice" || msg.ReceiverID != "bob" || msg.Status != protocol.StatusSent {
		t.Fatalf("stored message = %#v", msg)
	}

	envs := dialer.last().envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("wrote %d envelopes, want 1", len(envs))
	}
	env := envs[0]
	if env.Type != protocol.KindMessage || env.From != "alice" || env.To != "bob" {
		t.Fatalf("envelope = %#v", env)
	}
	if p := env.Payload.(protocol.MessagePayload); p.ID != id || p.Text != "hello" {
		t.Fatalf("payload = %#v", p)
	}
}

func TestSendTriggersReconnectAndRetriesOnce(t *testing.T) {
	dialer := &stubDialer{}
	api, mgr, st := newTestAPI(t, dialer, 50*time.Millisecond)

	// Never connected: the first transmit fails, the bounded retry path
	// calls Connect and tries again after the delay.
	id, err := api.SendChatMessage(context.Background(), "bob", "wake up", nil)
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if !mgr.Connected() {
		t.Fatal("retry path should have brought the connection up")
	}
	if msg, _ := st.get(id); msg.Status != protocol.StatusSent {
		t.Fatalf("status = %s, want sent", msg.Status)
	}
	if envs := dialer.last().envelopes(t); len(envs) != 1 {
		t.Fatalf("wrote %d envelopes, want exactly 1", len(envs))
	}
}

func TestSendAbandonedMarksMessageFailed(t *testing.T) {
	dialer := &stubDialer{fail: true}
	api, _, st := newTestAPI(t, dialer, 10*time.Millisecond)

	id, err := api.SendChatMessage(context.Background(), "bob", "lost", nil)
	if !errors.Is(err, ErrSendAbandoned) {
		t.Fatalf("err = %v, want ErrSendAbandoned", err)
	}
	if id == "" {
		t.Fatal("id must be returned even on failure")
	}
	msg, ok := st.get(id)
	if !ok {
		t.Fatal("failed message must stay in the store")
	}
	if msg.Status != protocol.StatusFailed {
		t.Fatalf("status = %s, want failed", msg.Status)
	}
}

func TestSendRespectsContextDuringRetryWait(t *testing.T) {
	dialer := &stubDialer{fail: true}
	api, _, _ := newTestAPI(t, dialer, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := api.SendChatMessage(ctx, "bob", "never", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestSendReadReceiptEnvelope(t *testing.T) {
	dialer := &stubDialer{}
	api, mgr, _ := newTestAPI(t, dialer, 10*time.Millisecond)
	mgr.Connect()
	waitConnected(t, mgr)

	if err := api.SendReadReceipt(context.Background(), "bob", "m-7"); err != nil {
		t.Fatalf("SendReadReceipt: %v", err)
	}
	envs := dialer.last().envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("wrote %d envelopes, want 1", len(envs))
	}
	env := envs[0]
	if env.Type != protocol.KindReadReceipt || env.To != "bob" {
		t.Fatalf("envelope = %#v", env)
	}
	p := env.Payload.(protocol.ReceiptPayload)
	if p.MessageID != "m-7" || p.ContactID != "alice" {
		t.Fatalf("payload = %#v", p)
	}
}

func TestSendTypingAndPresence(t *testing.T) {
	dialer := &stubDialer{}
	api, mgr, _ := newTestAPI(t, dialer, 10*time.Millisecond)
	mgr.Connect()
	waitConnected(t, mgr)

	if err := api.SendTyping(context.Background(), "bob", true); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if err := api.SendPresence(context.Background(), "away"); err != nil {
		t.Fatalf("SendPresence: %v", err)
	}
	if err := api.SendTimezone(context.Background(), "Europe/Amsterdam", true); err != nil {
		t.Fatalf("SendTimezone: %v", err)
	}

	envs := dialer.last().envelopes(t)
	if len(envs) != 3 {
		t.Fatalf("wrote %d envelopes, want 3", len(envs))
	}
	if envs[0].Payload.(protocol.TypingPayload).IsTyping != true {
		t.Fatalf("typing payload = %#v", envs[0].Payload)
	}
	if envs[1].Payload.(protocol.PresencePayload).Status != "away" {
		t.Fatalf("presence payload = %#v", envs[1].Payload)
	}
	tz := envs[2].Payload.(protocol.TimezonePayload)
	if tz.Timezone != "Europe/Amsterdam" || !tz.VerifyOnly {
		t.Fatalf("timezone payload = %#v", tz)
	}
}

func TestSendRequiresAuthenticatedUser(t *testing.T) {
	mgr, err := conn.New(conn.Config{URL: "ws://chat.test/ws"}, &auth.Static{}, &stubDialer{}, nil, nil)
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	t.Cleanup(mgr.Disconnect)
	api := New(mgr, newMemStore(), &auth.Static{}, nil, nil, 0)

	if _, err := api.SendChatMessage(context.Background(), "bob", "hi", nil); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if err := api.SendTyping(context.Background(), "bob", true); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}
