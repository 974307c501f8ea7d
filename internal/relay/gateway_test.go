package relay

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGatewayMalformedFrame(t *testing.T) {
	gw, conn, _ := newTestGateway(newFakeStore(), &fakeVerifier{}, testRelayConfig())

	gw.HandleFrame(context.Background(), []byte(`{{{`))

	data := conn.lastFrameOfType(FrameError)
	assert.Equal(t, "Invalid message format", data["message"])
	assert.Equal(t, StateUnauthenticated, gw.State())
}

func TestGatewayUnknownFrameType(t *testing.T) {
	gw, conn, _ := newTestGateway(newFakeStore(), &fakeVerifier{}, testRelayConfig())

	gw.HandleFrame(context.Background(), []byte(`{"type":"dance","data":{}}`))

	data := conn.lastFrameOfType(FrameError)
	assert.Equal(t, "Unknown message type: dance", data["message"])
}

func TestGatewayAuthFailures(t *testing.T) {
	userId := uuid.New()
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}

	tests := []struct {
		name    string
		frame   []byte
		wantErr string
	}{
		{
			name:    "missing token",
			frame:   encodeEnvelope("join_chat", map[string]interface{}{}),
			wantErr: "Authentication token required",
		},
		{
			name:    "bad token",
			frame:   encodeEnvelope("join_chat", map[string]interface{}{"token": "bad"}),
			wantErr: "Invalid authentication token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, conn, _ := newTestGateway(newFakeStore(), verifier, testRelayConfig())

			gw.HandleFrame(context.Background(), tt.frame)

			data := conn.lastFrameOfType(FrameError)
			assert.Equal(t, tt.wantErr, data["message"])
			// Auth failure is recoverable: connection open, still unauthenticated.
			assert.False(t, conn.IsClosed())
			assert.Equal(t, StateUnauthenticated, gw.State())
		})
	}
}

func TestGatewayAuthenticateWithoutChat(t *testing.T) {
	userId := uuid.New()
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, conn, registry := newTestGateway(newFakeStore(), verifier, testRelayConfig())

	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"token": "good"}))

	assert.Equal(t, StateAuthenticated, gw.State())
	data := conn.lastFrameOfType(FrameAuthenticated)
	assert.Equal(t, userId.String(), data["userId"])
	assert.Equal(t, conn.Id().String(), data["connectionId"])

	connections, users := registry.Counts()
	assert.Equal(t, 1, connections)
	assert.Equal(t, 1, users)
}

func TestGatewayAuthenticateAndJoin(t *testing.T) {
	userId := uuid.New()
	store := newFakeStore()
	chatId := store.addChat(userId)
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, conn, _ := newTestGateway(store, verifier, testRelayConfig())

	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{
		"token":  "good",
		"chatId": chatId.String(),
	}))

	assert.Equal(t, StateChatAttached, gw.State())
	// The chat frame is the whole answer; no separate authenticated ack.
	assert.Equal(t, []string{FrameChatJoined}, conn.frameTypes())
	data := conn.lastFrameOfType(FrameChatJoined)
	assert.Equal(t, chatId.String(), data["chatId"])
}

func TestGatewayUserConnectionCeiling(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MaxConnectionsPerUser = 1
	userId := uuid.New()
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	store := newFakeStore()

	registry := NewRegistry(cfg)
	recorder := testRecorder()
	gen := NewGenerator(store, &fakeProvider{failAfter: -1}, recorder, nopLogger{}, cfg.GenerationMaxTokens)

	first := newFakeSender()
	gwFirst := NewGateway(first, registry, verifier, store, gen, recorder, nil, nopLogger{}, cfg)
	gwFirst.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"token": "good"}))
	assert.Equal(t, StateAuthenticated, gwFirst.State())

	second := newFakeSender()
	gwSecond := NewGateway(second, registry, verifier, store, gen, recorder, nil, nopLogger{}, cfg)
	gwSecond.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"token": "good"}))

	// Capacity violations close the transport with the reserved code.
	assert.True(t, second.IsClosed())
	assert.Equal(t, cfg.CapacityCloseCode, second.closeCode)
	assert.Equal(t, StateClosed, gwSecond.State())
	assert.False(t, first.IsClosed())
}

func TestGatewayForeignChatAccessDenied(t *testing.T) {
	userId := uuid.New()
	store := newFakeStore()
	foreignChat := store.addChat(uuid.New())
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, conn, _ := newTestGateway(store, verifier, testRelayConfig())

	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"token": "good"}))
	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"chatId": foreignChat.String()}))

	data := conn.lastFrameOfType(FrameError)
	assert.Equal(t, "Chat not found or access denied", data["message"])
	// No state change: authenticated but not attached.
	assert.Equal(t, StateAuthenticated, gw.State())
}

func TestGatewayCreateChatRequiresAuth(t *testing.T) {
	userId := uuid.New()
	store := newFakeStore()
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, conn, _ := newTestGateway(store, verifier, testRelayConfig())

	// Only join_chat carries the credential; create_chat on a fresh
	// connection is rejected outright, token or not.
	gw.HandleFrame(context.Background(), encodeEnvelope("create_chat", map[string]interface{}{"token": "good"}))

	assert.Equal(t, StateUnauthenticated, gw.State())
	assert.Equal(t, []string{FrameError}, conn.frameTypes())
	data := conn.lastFrameOfType(FrameError)
	assert.Equal(t, "Not authenticated", data["message"])
}

func TestGatewayCreateChat(t *testing.T) {
	userId := uuid.New()
	store := newFakeStore()
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, conn, _ := newTestGateway(store, verifier, testRelayConfig())

	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"token": "good"}))
	gw.HandleFrame(context.Background(), encodeEnvelope("create_chat", nil))

	assert.Equal(t, StateChatAttached, gw.State())
	data := conn.lastFrameOfType(FrameChatCreated)
	assert.NotEmpty(t, data["chatId"])
	assert.Equal(t, "Новый чат", data["title"])
}

func TestGatewaySwitchChat(t *testing.T) {
	userId := uuid.New()
	store := newFakeStore()
	chatA := store.addChat(userId)
	chatB := store.addChat(userId)
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, conn, _ := newTestGateway(store, verifier, testRelayConfig())

	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{
		"token":  "good",
		"chatId": chatA.String(),
	}))
	gw.HandleFrame(context.Background(), encodeEnvelope("switch_chat", map[string]interface{}{"chatId": chatB.String()}))

	assert.Equal(t, StateChatAttached, gw.State())
	data := conn.lastFrameOfType(FrameChatSwitched)
	assert.Equal(t, chatB.String(), data["chatId"])
}

func TestGatewaySwitchIdempotent(t *testing.T) {
	userId := uuid.New()
	store := newFakeStore()
	chatId := store.addChat(userId)
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, conn, _ := newTestGateway(store, verifier, testRelayConfig())

	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"token": "good"}))

	frame := encodeEnvelope("switch_chat", map[string]interface{}{"chatId": chatId.String()})
	gw.HandleFrame(context.Background(), frame)
	first := conn.lastFrameOfType(FrameChatSwitched)
	gw.HandleFrame(context.Background(), frame)
	second := conn.lastFrameOfType(FrameChatSwitched)

	// Same id twice yields the same history and a single active attachment.
	assert.Equal(t, first["chatId"], second["chatId"])
	assert.Equal(t, first["messages"], second["messages"])
	assert.Equal(t, 2, conn.countType(FrameChatSwitched))
	assert.Equal(t, StateChatAttached, gw.State())
}

func TestGatewaySendRequiresAttachment(t *testing.T) {
	userId := uuid.New()
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}

	t.Run("unauthenticated", func(t *testing.T) {
		gw, conn, _ := newTestGateway(newFakeStore(), verifier, testRelayConfig())
		gw.HandleFrame(context.Background(), encodeEnvelope("message", map[string]interface{}{"message": "hi"}))
		data := conn.lastFrameOfType(FrameError)
		assert.Equal(t, "Not authenticated or not in a chat", data["message"])
	})

	t.Run("authenticated but detached", func(t *testing.T) {
		gw, conn, _ := newTestGateway(newFakeStore(), verifier, testRelayConfig())
		gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"token": "good"}))
		gw.HandleFrame(context.Background(), encodeEnvelope("message", map[string]interface{}{"message": "hi"}))
		data := conn.lastFrameOfType(FrameError)
		assert.Equal(t, "Not authenticated or not in a chat", data["message"])
	})
}

func TestGatewaySendValidation(t *testing.T) {
	cfg := testRelayConfig()
	userId := uuid.New()
	store := newFakeStore()
	chatId := store.addChat(userId)
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}

	attach := func(t *testing.T) (*Gateway, *fakeSender) {
		gw, conn, _ := newTestGateway(store, verifier, cfg)
		gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{
			"token":  "good",
			"chatId": chatId.String(),
		}))
		assert.Equal(t, StateChatAttached, gw.State())
		return gw, conn
	}

	t.Run("blank content", func(t *testing.T) {
		gw, conn := attach(t)
		gw.HandleFrame(context.Background(), encodeEnvelope("message", map[string]interface{}{"message": "   \n\t"}))
		data := conn.lastFrameOfType(FrameError)
		assert.Equal(t, "Message content required", data["message"])
		assert.Equal(t, 0, conn.countType(FrameUserMessage))
	})

	t.Run("exactly max length accepted", func(t *testing.T) {
		gw, conn := attach(t)
		gw.HandleFrame(context.Background(), encodeEnvelope("message", map[string]interface{}{
			"message": strings.Repeat("a", cfg.MaxMessageLength),
		}))
		assert.Equal(t, 1, conn.countType(FrameUserMessage))
	})

	t.Run("one over max rejected and not persisted", func(t *testing.T) {
		gw, conn := attach(t)
		before, _ := store.CountMessages(context.Background(), chatId)
		gw.HandleFrame(context.Background(), encodeEnvelope("message", map[string]interface{}{
			"message": strings.Repeat("a", cfg.MaxMessageLength+1),
		}))
		data := conn.lastFrameOfType(FrameError)
		assert.Contains(t, data["message"], "Message too long")
		assert.Equal(t, 0, conn.countType(FrameUserMessage))
		after, _ := store.CountMessages(context.Background(), chatId)
		assert.Equal(t, before, after)
	})
}

func TestGatewayRateLimit(t *testing.T) {
	cfg := testRelayConfig()
	cfg.RateMaxMessages = 2
	userId := uuid.New()
	store := newFakeStore()
	chatId := store.addChat(userId)
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, conn, _ := newTestGateway(store, verifier, cfg)

	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{
		"token":  "good",
		"chatId": chatId.String(),
	}))

	send := encodeEnvelope("message", map[string]interface{}{"message": "hi"})
	for i := 0; i < cfg.RateMaxMessages; i++ {
		gw.HandleFrame(context.Background(), send)
	}
	assert.Equal(t, cfg.RateMaxMessages, conn.countType(FrameUserMessage))

	// One over the ceiling: rejected, dropped, no user_message for it.
	gw.HandleFrame(context.Background(), send)
	data := conn.lastFrameOfType(FrameError)
	assert.Contains(t, data["message"], "Rate limit exceeded")
	assert.Equal(t, cfg.RateMaxMessages, conn.countType(FrameUserMessage))
}

func TestGatewayCloseUnregisters(t *testing.T) {
	userId := uuid.New()
	verifier := &fakeVerifier{tokens: map[string]uuid.UUID{"good": userId}}
	gw, _, registry := newTestGateway(newFakeStore(), verifier, testRelayConfig())

	gw.HandleFrame(context.Background(), encodeEnvelope("join_chat", map[string]interface{}{"token": "good"}))
	gw.Close()

	assert.Equal(t, StateClosed, gw.State())
	connections, users := registry.Counts()
	assert.Equal(t, 0, connections)
	// The user entry itself waits for the reaper.
	assert.Equal(t, 1, users)
}
