package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai-legalchat-be/internal/config"
	"ai-legalchat-be/internal/entity"
	"ai-legalchat-be/internal/pkg/logger"
	"ai-legalchat-be/pkg/events"
	pktNats "ai-legalchat-be/pkg/nats"
)

// Gateway protocol states.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateChatAttached
	StateClosed
)

// Client-facing error texts. Human-readable strings only; the protocol
// carries no machine error codes.
const (
	errTextMalformed        = "Invalid message format"
	errTextTokenRequired    = "Authentication token required"
	errTextInvalidToken     = "Invalid authentication token"
	errTextChatAccess       = "Chat not found or access denied"
	errTextChatLoadFailed   = "Failed to load chat"
	errTextChatCreateFailed = "Failed to create chat"
	errTextChatIdRequired   = "Chat ID required"
	errTextNotAuthenticated = "Not authenticated"
	errTextNotInChat        = "Not authenticated or not in a chat"
	errTextContentRequired  = "Message content required"
	errTextRateLimited      = "Rate limit exceeded. Please wait before sending more messages."
)

// TokenVerifier checks a bearer credential and resolves the user it was
// issued to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (uuid.UUID, error)
}

// Gateway owns one connection's protocol state machine. All frames of a
// connection are handled sequentially on its read goroutine, so the state
// fields need no locking; shared state is only touched through the registry's
// atomic methods.
type Gateway struct {
	conn     Sender
	registry *Registry
	verifier TokenVerifier
	store    ChatStore
	gen      *Generator
	recorder *Recorder
	audit    *pktNats.Publisher
	log      logger.ILogger
	cfg      config.RelayConfig

	state  State
	userId uuid.UUID
	chatId uuid.UUID
}

func NewGateway(
	conn Sender,
	registry *Registry,
	verifier TokenVerifier,
	store ChatStore,
	gen *Generator,
	recorder *Recorder,
	audit *pktNats.Publisher,
	log logger.ILogger,
	cfg config.RelayConfig,
) *Gateway {
	return &Gateway{
		conn:     conn,
		registry: registry,
		verifier: verifier,
		store:    store,
		gen:      gen,
		recorder: recorder,
		audit:    audit,
		log:      log,
		cfg:      cfg,
	}
}

func (g *Gateway) State() State {
	return g.state
}

// HandleFrame processes one inbound frame. Recoverable failures emit an
// error frame and leave the state unchanged; only capacity violations close
// the transport.
func (g *Gateway) HandleFrame(ctx context.Context, raw []byte) {
	if g.state == StateClosed {
		return
	}

	frame, err := DecodeFrame(raw)
	if err != nil {
		var unknown *ErrUnknownFrameType
		if errors.As(err, &unknown) {
			g.fail(fmt.Sprintf("Unknown message type: %s", unknown.Type))
			return
		}
		g.fail(errTextMalformed)
		return
	}

	switch f := frame.(type) {
	case JoinChatFrame:
		g.handleJoin(ctx, f)
	case CreateChatFrame:
		g.handleCreate(ctx)
	case SwitchChatFrame:
		g.handleSwitch(ctx, f)
	case MessageFrame:
		g.handleMessage(ctx, f)
	}
}

// handleJoin authenticates the connection when needed and attaches it to the
// requested chat. The authenticated ack is only sent when no chat was
// requested; a join carrying a chatId answers with the chat frame alone.
func (g *Gateway) handleJoin(ctx context.Context, f JoinChatFrame) {
	if g.state == StateUnauthenticated {
		if !g.authenticate(ctx, f.Token) {
			return
		}
		if f.ChatId == "" {
			g.conn.Deliver(NewAuthenticatedFrame(g.userId, g.conn.Id()))
			return
		}
	} else if f.ChatId == "" {
		g.fail(errTextChatIdRequired)
		return
	}

	g.attach(ctx, f.ChatId, NewChatJoinedFrame)
}

func (g *Gateway) handleCreate(ctx context.Context) {
	if g.state == StateUnauthenticated {
		g.fail(errTextNotAuthenticated)
		return
	}

	chat, err := g.store.CreateChat(ctx, g.userId)
	if err != nil {
		g.log.Error("Gateway", "chat creation failed", map[string]interface{}{
			"user_id": g.userId,
			"error":   err.Error(),
		})
		g.fail(errTextChatCreateFailed)
		return
	}

	g.chatId = chat.Id
	g.state = StateChatAttached
	g.registry.Touch(g.userId)
	g.conn.Deliver(NewChatCreatedFrame(chat.Id, chat.Title))
	g.publishAudit(ctx, events.TypeChatCreated, map[string]interface{}{
		"user_id": g.userId.String(),
		"chat_id": chat.Id.String(),
	})
}

func (g *Gateway) handleSwitch(ctx context.Context, f SwitchChatFrame) {
	if g.state == StateUnauthenticated {
		g.fail(errTextNotAuthenticated)
		return
	}
	if f.ChatId == "" {
		g.fail(errTextChatIdRequired)
		return
	}

	g.attach(ctx, f.ChatId, NewChatSwitchedFrame)
}

func (g *Gateway) handleMessage(ctx context.Context, f MessageFrame) {
	if g.state != StateChatAttached {
		g.fail(errTextNotInChat)
		return
	}

	content := f.Content
	if strings.TrimSpace(content) == "" {
		g.fail(errTextContentRequired)
		return
	}
	if length := len([]rune(content)); length > g.cfg.MaxMessageLength {
		g.fail(fmt.Sprintf("Message too long. Maximum length is %d characters.", g.cfg.MaxMessageLength))
		return
	}
	if !g.registry.Allow(g.userId) {
		g.fail(errTextRateLimited)
		return
	}

	g.registry.MarkMessage(g.userId)
	g.recorder.Message()

	// Runs on this connection's read goroutine: further frames from this
	// connection wait until the stream ends, other connections are
	// unaffected.
	g.gen.Generate(g.conn, g.chatId, content)
}

// authenticate verifies the credential and registers the connection. It
// reports whether the gateway ended up authenticated.
func (g *Gateway) authenticate(ctx context.Context, token string) bool {
	if token == "" {
		g.fail(errTextTokenRequired)
		return false
	}

	userId, err := g.verifier.Verify(ctx, token)
	if err != nil {
		g.fail(errTextInvalidToken)
		return false
	}

	if err := g.registry.Register(userId, g.conn); err != nil {
		g.log.Warn("Gateway", "connection rejected at capacity", map[string]interface{}{
			"user_id": userId,
			"reason":  err.Error(),
		})
		g.recorder.Error()
		g.state = StateClosed
		g.conn.ForceClose(g.cfg.CapacityCloseCode, "Connection limit exceeded")
		return false
	}

	g.userId = userId
	g.state = StateAuthenticated
	g.publishAudit(ctx, events.TypeConnectionOpened, map[string]interface{}{
		"user_id":       userId.String(),
		"connection_id": g.conn.Id().String(),
	})
	return true
}

// attach binds the connection to a chat it owns and emits the chat history
// through the provided frame constructor.
func (g *Gateway) attach(ctx context.Context, rawChatId string, frameFor func(uuid.UUID, string, []entity.ChatMessage) []byte) {
	chatId, err := uuid.Parse(rawChatId)
	if err != nil {
		g.fail(errTextChatAccess)
		return
	}

	chat, history, err := g.store.FindOwnedChat(ctx, g.userId, chatId)
	if err != nil {
		if errors.Is(err, ErrChatAccess) {
			g.fail(errTextChatAccess)
			return
		}
		g.log.Error("Gateway", "chat lookup failed", map[string]interface{}{
			"user_id": g.userId,
			"chat_id": chatId,
			"error":   err.Error(),
		})
		g.fail(errTextChatLoadFailed)
		return
	}

	g.chatId = chat.Id
	g.state = StateChatAttached
	g.registry.Touch(g.userId)
	g.conn.Deliver(frameFor(chat.Id, chat.Title, history))
}

// Close deregisters the connection. The emptied user set, if any, stays
// behind for the reaper.
func (g *Gateway) Close() {
	if g.state == StateClosed {
		return
	}
	if g.state != StateUnauthenticated {
		g.registry.Unregister(g.userId, g.conn.Id())
		g.publishAudit(context.Background(), events.TypeConnectionClosed, map[string]interface{}{
			"user_id":       g.userId.String(),
			"connection_id": g.conn.Id().String(),
		})
	}
	g.state = StateClosed
}

// fail emits a recoverable protocol error and records it.
func (g *Gateway) fail(text string) {
	g.conn.Deliver(NewErrorFrame(text))
	g.recorder.Error()
}

func (g *Gateway) publishAudit(ctx context.Context, eventType string, data map[string]interface{}) {
	if g.audit == nil {
		return
	}
	evt := events.BaseEvent{
		Type:       eventType,
		Data:       data,
		OccurredAt: time.Now(),
	}
	if err := g.audit.Publish(ctx, evt); err != nil {
		g.log.Warn("Gateway", "audit event publish failed", map[string]interface{}{
			"event": eventType,
			"error": err.Error(),
		})
	}
}
