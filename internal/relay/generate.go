package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai-legalchat-be/internal/constant"
	"ai-legalchat-be/internal/entity"
	"ai-legalchat-be/internal/pkg/logger"
	"ai-legalchat-be/pkg/llm"
)

// ErrChatAccess is returned by ChatStore lookups when the chat does not
// exist or belongs to another user. The two cases are deliberately
// indistinguishable to the client.
var ErrChatAccess = errors.New("chat not found or access denied")

// ChatStore is the persistence collaborator the relay reads and appends
// through. It never deletes.
type ChatStore interface {
	// FindOwnedChat returns the chat and its ordered message history, scoped
	// to the owning user. Unknown or foreign ids yield ErrChatAccess.
	FindOwnedChat(ctx context.Context, userId, chatId uuid.UUID) (*entity.ChatSession, []entity.ChatMessage, error)

	// CreateChat makes a new manually-started chat with the default title.
	CreateChat(ctx context.Context, userId uuid.UUID) (*entity.ChatSession, error)

	// AppendMessage persists one message at the end of the chat.
	AppendMessage(ctx context.Context, chatId uuid.UUID, role, content string) (*entity.ChatMessage, error)

	// History returns the chat's messages oldest first.
	History(ctx context.Context, chatId uuid.UUID) ([]entity.ChatMessage, error)

	CountMessages(ctx context.Context, chatId uuid.UUID) (int64, error)

	RenameChat(ctx context.Context, chatId uuid.UUID, title string) error
}

// Generator drives one streaming call to the generation backend for an
// attached chat: persist the user message first, forward tokens as they
// arrive, persist the assembled reply, and fall back to a fixed apology when
// the backend fails mid-stream.
type Generator struct {
	store     ChatStore
	provider  llm.LLMProvider
	recorder  *Recorder
	log       logger.ILogger
	maxTokens int
}

func NewGenerator(store ChatStore, provider llm.LLMProvider, recorder *Recorder, log logger.ILogger, maxTokens int) *Generator {
	return &Generator{
		store:     store,
		provider:  provider,
		recorder:  recorder,
		log:       log,
		maxTokens: maxTokens,
	}
}

// Generate runs one full exchange on the caller's goroutine. The connection
// whose handler invoked it stays suspended until the stream ends; delivery to
// a connection that closed mid-stream is silently dropped while persistence
// still completes.
func (g *Generator) Generate(conn Sender, chatId uuid.UUID, userText string) {
	// The upstream call deliberately outlives the transport: a closed
	// connection must not cancel an in-flight generation, or the assembled
	// reply would never be persisted.
	ctx := context.Background()

	userMessage, err := g.store.AppendMessage(ctx, chatId, constant.ChatMessageRoleUser, userText)
	if err != nil {
		g.log.Error("Generator", "failed to persist user message", map[string]interface{}{
			"chat_id": chatId,
			"error":   err.Error(),
		})
		conn.Deliver(NewErrorFrame("Failed to process message"))
		g.recorder.Error()
		return
	}
	conn.Deliver(NewUserMessageFrame(userMessage))

	history, err := g.store.History(ctx, chatId)
	if err != nil {
		// Fall back to the bare exchange; the persisted user message already
		// carries the new text.
		g.log.Warn("Generator", "failed to load chat history", map[string]interface{}{
			"chat_id": chatId,
			"error":   err.Error(),
		})
		history = []entity.ChatMessage{*userMessage}
	}

	conn.Deliver(NewAssistantStartFrame(constant.AssistantTypingNotice))

	start := time.Now()
	var assembly strings.Builder
	streamErr := g.provider.ChatStream(ctx, buildModelInput(history), func(token string) error {
		assembly.WriteString(token)
		conn.Deliver(NewAssistantTokenFrame(token))
		return nil
	}, llm.WithMaxTokens(g.maxTokens))

	assistantText := assembly.String()
	if streamErr != nil {
		g.log.Error("Generator", "generation backend failed", map[string]interface{}{
			"chat_id": chatId,
			"error":   streamErr.Error(),
		})
		g.recorder.Error()
		// Partial assemblies are never persisted; the apology replaces the
		// reply wholesale and reads to the client as a normal completion.
		assistantText = constant.GenerationApology
	}

	assistantMessage, err := g.store.AppendMessage(ctx, chatId, constant.ChatMessageRoleAssistant, assistantText)
	if err != nil {
		g.log.Error("Generator", "failed to persist assistant message", map[string]interface{}{
			"chat_id": chatId,
			"error":   err.Error(),
		})
		// Still complete the exchange on the wire so the client's view stays
		// well-formed even though this reply was lost to storage.
		conn.Deliver(NewAssistantCompleteFrame(uuid.New(), assistantText, time.Now()))
		g.recorder.Error()
		g.recorder.Latency(time.Since(start))
		return
	}

	conn.Deliver(NewAssistantCompleteFrame(assistantMessage.Id, assistantMessage.Content, assistantMessage.CreatedAt))
	g.recorder.Latency(time.Since(start))

	// The default title stays in place when the exchange ended in the
	// apology; only a real first reply names the chat.
	if streamErr == nil {
		g.maybeDeriveTitle(ctx, chatId, userText)
	}
}

// maybeDeriveTitle sets the chat title from the first user message once the
// first exchange completes (message count reaches exactly two).
func (g *Generator) maybeDeriveTitle(ctx context.Context, chatId uuid.UUID, userText string) {
	count, err := g.store.CountMessages(ctx, chatId)
	if err != nil || count != 2 {
		return
	}
	if err := g.store.RenameChat(ctx, chatId, DeriveChatTitle(userText)); err != nil {
		g.log.Warn("Generator", "failed to set derived chat title", map[string]interface{}{
			"chat_id": chatId,
			"error":   err.Error(),
		})
	}
}

// DeriveChatTitle truncates the first user message into a short chat title.
func DeriveChatTitle(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= constant.ChatTitleMaxLength {
		return trimmed
	}
	return string(runes[:constant.ChatTitleMaxLength]) + constant.ChatTitleEllipsis
}

func buildModelInput(history []entity.ChatMessage) []llm.Message {
	input := make([]llm.Message, 0, len(history)+1)
	input = append(input, llm.Message{
		Role:    constant.ChatMessageRoleSystem,
		Content: constant.LegalAssistantSystemPrompt,
	})
	for _, m := range history {
		input = append(input, llm.Message{Role: m.Role, Content: m.Content})
	}
	return input
}
