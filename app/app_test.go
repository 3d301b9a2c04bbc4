package cipherchat

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/cipherchat/client"
	"github.com/putto11262002/cipherchat/core"
	"github.com/putto11262002/cipherchat/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTimeout = 2 * time.Second
	testTick    = 20 * time.Millisecond
	discard     = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func testConfig(t *testing.T) *Config {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	c := &Config{
		Port:           8080,
		Hostname:       "127.0.0.1",
		Mode:           DevMode,
		LogLevel:       slog.LevelDebug,
		AllowedOrigins: []string{"*"},
	}
	c.Auth.Secret = secret
	c.Auth.TokenExp = time.Hour
	c.SQLite.File = filepath.Join(t.TempDir(), "cipherchat.db")
	c.SQLite.Migrations = "../migrations"
	c.Store.Driver = "memory"
	c.Relay.Driver = "local"
	c.Relay.Timeout = time.Second
	c.Relay.QueueSize = 64
	c.Presence.Driver = "memory"
	return c
}

type appFixture struct {
	t      *testing.T
	ctx    context.Context
	app    *App
	server *httptest.Server
}

func setUpApp(t *testing.T, config *Config) *appFixture {
	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(ctx, config, discard)
	require.NoError(t, err)
	server := httptest.NewServer(app.Handler())

	t.Cleanup(func() {
		server.Close()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), testTimeout)
		defer closeCancel()
		assert.NoError(t, app.Close(closeCtx))
		cancel()
	})
	return &appFixture{t: t, ctx: ctx, app: app, server: server}
}

func (f *appFixture) client() *client.Client {
	c, err := client.New(f.server.URL, discard)
	require.NoError(f.t, err)
	return c
}

// signedIn registers the user when needed and returns a signed in client.
func (f *appFixture) signedIn(user core.User) *client.Client {
	c := f.client()
	if _, err := c.Register(f.ctx, user); err != nil {
		var apiErr router.JsonError
		require.True(f.t, errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict, "register: %v", err)
	}
	_, err := c.SignIn(f.ctx, user.ID, user.Password)
	require.NoError(f.t, err)
	return c
}

func (f *appFixture) open(c *client.Client, peer string, subscriber core.Subscriber) *client.Conversation {
	conv, err := client.Open(f.ctx, c, peer, subscriber)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conv.Close() })
	return conv
}

func (f *appFixture) waitForMembers(roomID string, n int) {
	require.Eventually(f.t, func() bool {
		return len(f.app.registry.MembersOf(roomID)) == n
	}, testTimeout, testTick, "waiting for %d sessions in %s", n, roomID)
}

var (
	alice = core.User{ID: "alice", Email: "alice@example.com", Name: "Alice", Password: "password-alice"}
	bob   = core.User{ID: "bob", Email: "bob@example.com", Name: "Bob", Password: "password-bob"}
	carol = core.User{ID: "carol", Email: "carol@example.com", Name: "Carol", Password: "password-carol"}
)

func TestSendReachesEverySessionOnce(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	roomID := core.RoomID("alice", "bob")

	aliceConv := f.open(f.signedIn(alice), "bob", f.app.Subscriber())
	bob1 := f.open(f.signedIn(bob), "alice", f.app.Subscriber())
	bob2 := f.open(f.signedIn(bob), "alice", nil)
	f.waitForMembers(roomID, 3)

	msg, err := aliceConv.Send(f.ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, roomID, msg.RoomID)

	for name, conv := range map[string]*client.Conversation{"alice": aliceConv, "bob1": bob1, "bob2": bob2} {
		require.Eventually(t, func() bool { return conv.Len() == 1 }, testTimeout, testTick, name)
	}
	// the direct fan-out, the forwarded announcement and the relay copy all carry the same id
	time.Sleep(10 * testTick)
	for name, conv := range map[string]*client.Conversation{"alice": aliceConv, "bob1": bob1, "bob2": bob2} {
		entries := conv.Entries()
		require.Len(t, entries, 1, name)
		assert.Equal(t, msg.ID, entries[0].Message.ID, name)
		assert.Equal(t, "hi", entries[0].Text(), name)
	}

	// the server only ever stores ciphertext the room key opens
	stored, err := f.app.messageStore.List(f.ctx, roomID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, stored[0].EncryptedContent, "hi")
	key, err := core.DeriveKey("room_alice_bob")
	require.NoError(t, err)
	plaintext, err := core.Decrypt(stored[0].EncryptedContent, key)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(plaintext))
}

func TestHistoryIsLoadedOnOpen(t *testing.T) {
	f := setUpApp(t, testConfig(t))

	b := f.signedIn(bob)
	aliceConv := f.open(f.signedIn(alice), "bob", nil)
	for _, text := range []string{"one", "two", "three"} {
		_, err := aliceConv.Send(f.ctx, text)
		require.NoError(t, err)
	}

	bobConv := f.open(b, "alice", nil)
	entries := bobConv.Entries()
	require.Len(t, entries, 3)
	for i, text := range []string{"one", "two", "three"} {
		assert.Equal(t, text, entries[i].Text())
	}
}

func TestTypingSignals(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	roomID := core.RoomID("alice", "bob")

	aliceConv := f.open(f.signedIn(alice), "bob", nil)
	bobConv := f.open(f.signedIn(bob), "alice", nil)
	f.waitForMembers(roomID, 2)

	aliceConv.Keystroke()
	require.Eventually(t, func() bool {
		typers := bobConv.Typers()
		return len(typers) == 1 && typers[0] == "alice"
	}, testTimeout, testTick)
	assert.Empty(t, aliceConv.Typers(), "typing is not echoed to the typing session")

	_, err := aliceConv.Send(f.ctx, "done typing")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bobConv.Typers()) == 0 }, testTimeout, testTick)
}

func TestTypingClearedWhenSessionCloses(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	roomID := core.RoomID("alice", "bob")

	aliceConv := f.open(f.signedIn(alice), "bob", nil)
	bobConv := f.open(f.signedIn(bob), "alice", nil)
	f.waitForMembers(roomID, 2)

	aliceConv.Keystroke()
	require.Eventually(t, func() bool { return len(bobConv.Typers()) == 1 }, testTimeout, testTick)

	require.NoError(t, aliceConv.Close())
	require.Eventually(t, func() bool { return len(bobConv.Typers()) == 0 }, testTimeout, testTick)
}

func TestPresenceAcrossSessions(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	roomID := core.RoomID("alice", "bob")

	bob1 := f.open(f.signedIn(bob), "alice", nil)
	bob2 := f.open(f.signedIn(bob), "alice", nil)
	f.waitForMembers(roomID, 2)

	presence := func() core.Presence {
		p, err := f.app.registry.Presence(f.ctx, "bob")
		require.NoError(t, err)
		return p
	}
	require.Eventually(t, func() bool { return presence() == core.Online }, testTimeout, testTick)

	require.NoError(t, bob1.Close())
	f.waitForMembers(roomID, 1)
	assert.Equal(t, core.Online, presence(), "bob still has a session")

	require.NoError(t, bob2.Close())
	require.Eventually(t, func() bool { return presence() == core.Offline }, testTimeout, testTick)
}

func TestRelayChannels(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	sub := f.app.Subscriber()
	require.NotNil(t, sub)

	var mu sync.Mutex
	var events []core.RelayEvent
	unsub, err := sub.Subscribe(core.UserChannel("bob"), func(payload []byte) {
		var e core.RelayEvent
		if json.Unmarshal(payload, &e) == nil {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer unsub()

	a := f.signedIn(alice)
	f.signedIn(bob)

	envelope := encryptFor(t, "alice", "bob", "hello")
	_, err = a.Send(f.ctx, "bob", envelope)
	require.NoError(t, err)
	require.NoError(t, a.KeyExchange(f.ctx, "bob", "cGstYWxpY2U=", false))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, testTimeout, testTick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, core.RelayMessageReceived, events[0].Event)
	var received core.MessageReceivedData
	require.NoError(t, json.Unmarshal(events[0].Data, &received))
	assert.Equal(t, core.MessageReceivedData{RoomID: "room_alice_bob", SenderID: "alice", SenderName: "Alice"}, received)

	assert.Equal(t, core.RelayKeyExchangeRequest, events[1].Event)
	var exchange core.KeyExchangeData
	require.NoError(t, json.Unmarshal(events[1].Data, &exchange))
	assert.Equal(t, core.KeyExchangeData{FromUserID: "alice", FromUserName: "Alice", PublicKey: "cGstYWxpY2U="}, exchange)
}

func encryptFor(t *testing.T, u1, u2, plaintext string) string {
	key, err := core.DeriveKey(core.RoomID(u1, u2))
	require.NoError(t, err)
	envelope, err := core.Encrypt([]byte(plaintext), key)
	require.NoError(t, err)
	return envelope
}

func TestReadState(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	a := f.signedIn(alice)
	b := f.signedIn(bob)

	for i := 0; i < 2; i++ {
		_, err := a.Send(f.ctx, "bob", encryptFor(t, "alice", "bob", "hi"))
		require.NoError(t, err)
	}

	n, err := b.Unread(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	marked, err := b.MarkRead(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	n, err = b.Unread(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, messages, err := a.Messages(f.ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.True(t, messages[0].IsRead)
}

func apiStatus(t *testing.T, err error) int {
	var apiErr router.JsonError
	require.True(t, errors.As(err, &apiErr), "expected an API error, got %v", err)
	return apiErr.Code
}

func TestAPIErrors(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	a := f.signedIn(alice)
	f.signedIn(bob)
	envelope := encryptFor(t, "alice", "bob", "hi")

	anonymous := f.client()
	_, _, err := anonymous.Messages(f.ctx, "bob", 0)
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, err))
	_, err = anonymous.Dial(f.ctx)
	assert.Error(t, err)

	_, err = a.Send(f.ctx, "alice", envelope)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = a.Send(f.ctx, "nobody", envelope)
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))

	_, err = a.Send(f.ctx, "bob", "not base64!")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = a.MarkRead(f.ctx, "carol")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))

	err = a.KeyExchange(f.ctx, "bob", "not base64!", false)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = f.client().Register(f.ctx, alice)
	assert.Equal(t, http.StatusConflict, apiStatus(t, err))

	_, err = f.client().SignIn(f.ctx, "alice", "wrong-password")
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, err))
}

func TestSendRateLimit(t *testing.T) {
	config := testConfig(t)
	config.RateLimit.PerMinute = 1
	config.RateLimit.Burst = 2
	f := setUpApp(t, config)
	a := f.signedIn(alice)
	f.signedIn(bob)

	envelope := encryptFor(t, "alice", "bob", "hi")
	for i := 0; i < 2; i++ {
		_, err := a.Send(f.ctx, "bob", envelope)
		require.NoError(t, err)
	}
	_, err := a.Send(f.ctx, "bob", envelope)
	assert.Equal(t, http.StatusTooManyRequests, apiStatus(t, err))
}

func TestDirectPathRejectsForeignRooms(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	roomID := core.RoomID("alice", "bob")

	bobConv := f.open(f.signedIn(bob), "alice", nil)
	f.waitForMembers(roomID, 1)

	c := f.signedIn(carol)
	socket, err := c.Dial(f.ctx)
	require.NoError(t, err)
	defer socket.Close()

	require.NoError(t, socket.Emit(core.EventJoinRoom, core.RoomPayload{RoomID: roomID}))
	require.NoError(t, socket.Emit(core.EventSendMessage, core.SendMessagePayload{RoomID: roomID, Message: core.Message{
		ID: "forged", RoomID: roomID, SenderID: "carol", ReceiverID: "bob", EncryptedContent: "aGk=",
	}}))
	require.NoError(t, socket.Emit(core.EventTyping, core.TypingPayload{RoomID: roomID, UserID: "carol"}))

	time.Sleep(10 * testTick)
	f.waitForMembers(roomID, 1)
	assert.Equal(t, 0, bobConv.Len())
	assert.Empty(t, bobConv.Typers())
}

// joinedSocket dials a raw socket for c and joins the room.
func (f *appFixture) joinedSocket(c *client.Client, userID, roomID string) *client.Socket {
	socket, err := c.Dial(f.ctx)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { socket.Close() })
	require.NoError(f.t, socket.Emit(core.EventJoin, core.JoinPayload{UserID: userID}))
	require.NoError(f.t, socket.Emit(core.EventJoinRoom, core.RoomPayload{RoomID: roomID}))
	return socket
}

// nextMessage waits for the next new-message event, skipping other kinds.
func (f *appFixture) nextMessage(socket *client.Socket, wait time.Duration) (*core.Message, bool) {
	timeout := time.After(wait)
	for {
		select {
		case e, ok := <-socket.Events():
			if !ok {
				return nil, false
			}
			if e.Type != core.EventNewMessage {
				continue
			}
			payload, err := e.DecodePayload()
			require.NoError(f.t, err)
			return payload.(*core.Message), true
		case <-timeout:
			return nil, false
		}
	}
}

func TestDirectPathForwardsStoredCopy(t *testing.T) {
	f := setUpApp(t, testConfig(t))
	roomID := core.RoomID("alice", "bob")
	a, b := f.signedIn(alice), f.signedIn(bob)

	bobSocket := f.joinedSocket(b, "bob", roomID)
	aliceSocket := f.joinedSocket(a, "alice", roomID)
	f.waitForMembers(roomID, 2)

	sent, err := a.Send(f.ctx, "bob", encryptFor(t, "alice", "bob", "hi"))
	require.NoError(t, err)
	got, ok := f.nextMessage(bobSocket, testTimeout)
	require.True(t, ok)
	assert.Equal(t, sent.ID, got.ID)

	forged := *sent
	forged.SenderName = "Mallory"
	forged.EncryptedContent = encryptFor(t, "alice", "bob", "not what was sent")
	require.NoError(t, aliceSocket.Emit(core.EventSendMessage, core.SendMessagePayload{RoomID: roomID, Message: forged}))
	got, ok = f.nextMessage(bobSocket, testTimeout)
	require.True(t, ok)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "Alice", got.SenderName)
	assert.Equal(t, sent.EncryptedContent, got.EncryptedContent)

	unknown := *sent
	unknown.ID = "never-stored"
	require.NoError(t, aliceSocket.Emit(core.EventSendMessage, core.SendMessagePayload{RoomID: roomID, Message: unknown}))
	// bob re-announcing alice's message is refused as well
	require.NoError(t, bobSocket.Emit(core.EventSendMessage, core.SendMessagePayload{RoomID: roomID, Message: core.Message{
		ID: sent.ID, RoomID: roomID, SenderID: "bob", ReceiverID: "alice", EncryptedContent: sent.EncryptedContent,
	}}))
	_, ok = f.nextMessage(bobSocket, 10*testTick)
	assert.False(t, ok)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	config := testConfig(t)
	config.Port = 0
	config.Store.Driver = "mongo"
	_, err := New(context.Background(), config, discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "driver")
}

func TestUnreachableRelayFallsBackToDirectPath(t *testing.T) {
	config := testConfig(t)
	config.Relay.Driver = "nats"
	config.Relay.NATSURL = "nats://127.0.0.1:1"
	config.Relay.Timeout = 100 * time.Millisecond
	f := setUpApp(t, config)
	roomID := core.RoomID("alice", "bob")

	aliceConv := f.open(f.signedIn(alice), "bob", nil)
	bobConv := f.open(f.signedIn(bob), "alice", nil)
	f.waitForMembers(roomID, 2)

	_, err := aliceConv.Send(f.ctx, "still here")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bobConv.Len() == 1 }, testTimeout, testTick)
	assert.Equal(t, "still here", bobConv.Entries()[0].Text())
}

func TestMessageStoreDrivers(t *testing.T) {
	for _, driver := range []string{"sqlite", "json", "badger"} {
		t.Run(driver, func(t *testing.T) {
			config := testConfig(t)
			config.Store.Driver = driver
			config.Store.JSONFile = filepath.Join(t.TempDir(), "messages.json")
			config.Store.BadgerDir = filepath.Join(t.TempDir(), "badger")
			f := setUpApp(t, config)

			a := f.signedIn(alice)
			f.signedIn(bob)
			sent, err := a.Send(f.ctx, "bob", encryptFor(t, "alice", "bob", "hi"))
			require.NoError(t, err)

			_, messages, err := f.signedIn(bob).Messages(f.ctx, "alice", 0)
			require.NoError(t, err)
			require.Len(t, messages, 1)
			assert.Equal(t, sent.ID, messages[0].ID)
		})
	}
}
