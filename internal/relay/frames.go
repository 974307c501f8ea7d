package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ai-legalchat-be/internal/entity"
)

// Inbound frame types.
const (
	frameJoinChat   = "join_chat"
	frameCreateChat = "create_chat"
	frameSwitchChat = "switch_chat"
	frameMessage    = "message"
)

// Outbound frame types.
const (
	FrameConnected                = "connected"
	FrameAuthenticated            = "authenticated"
	FrameChatJoined               = "chat_joined"
	FrameChatCreated              = "chat_created"
	FrameChatSwitched             = "chat_switched"
	FrameUserMessage              = "user_message"
	FrameAssistantMessageStart    = "assistant_message_start"
	FrameAssistantMessageToken    = "assistant_message_token"
	FrameAssistantMessageComplete = "assistant_message_complete"
	FrameError                    = "error"
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame is the decoded inbound tagged union. The gateway dispatches on the
// concrete type with an exhaustive switch.
type Frame interface {
	frame()
}

type JoinChatFrame struct {
	Token  string `json:"token"`
	ChatId string `json:"chatId"`
}

// CreateChatFrame carries no payload; only join_chat transports the
// credential, so create_chat requires a previously authenticated connection.
type CreateChatFrame struct{}

type SwitchChatFrame struct {
	ChatId string `json:"chatId"`
}

type MessageFrame struct {
	Content string `json:"message"`
}

func (JoinChatFrame) frame()   {}
func (CreateChatFrame) frame() {}
func (SwitchChatFrame) frame() {}
func (MessageFrame) frame()    {}

// ErrUnknownFrameType is returned by DecodeFrame for a well-formed envelope
// whose type is not part of the protocol.
type ErrUnknownFrameType struct {
	Type string
}

func (e *ErrUnknownFrameType) Error() string {
	return fmt.Sprintf("unknown frame type: %s", e.Type)
}

// DecodeFrame parses one inbound frame into its concrete type.
func DecodeFrame(raw []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	switch env.Type {
	case frameJoinChat:
		var f JoinChatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", env.Type, err)
		}
		return f, nil
	case frameCreateChat:
		var f CreateChatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", env.Type, err)
		}
		return f, nil
	case frameSwitchChat:
		var f SwitchChatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", env.Type, err)
		}
		return f, nil
	case frameMessage:
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", env.Type, err)
		}
		return f, nil
	default:
		return nil, &ErrUnknownFrameType{Type: env.Type}
	}
}

// WireMessage is the outbound representation of one chat message.
type WireMessage struct {
	Id        string    `json:"id"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

func toWireMessages(messages []entity.ChatMessage) []WireMessage {
	wire := make([]WireMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, WireMessage{
			Id:        m.Id.String(),
			Content:   m.Content,
			Role:      m.Role,
			Timestamp: m.CreatedAt,
		})
	}
	return wire
}

func encodeFrame(frameType string, data interface{}) []byte {
	// These payloads are plain structs and maps; marshalling cannot fail.
	raw, _ := json.Marshal(data)
	out, _ := json.Marshal(Envelope{Type: frameType, Data: raw})
	return out
}

func NewConnectedFrame(connectionId uuid.UUID) []byte {
	return encodeFrame(FrameConnected, map[string]string{
		"connectionId": connectionId.String(),
	})
}

func NewAuthenticatedFrame(userId, connectionId uuid.UUID) []byte {
	return encodeFrame(FrameAuthenticated, map[string]string{
		"userId":       userId.String(),
		"connectionId": connectionId.String(),
	})
}

func NewChatJoinedFrame(chatId uuid.UUID, title string, messages []entity.ChatMessage) []byte {
	return encodeFrame(FrameChatJoined, map[string]interface{}{
		"chatId":   chatId.String(),
		"messages": toWireMessages(messages),
		"title":    title,
	})
}

func NewChatSwitchedFrame(chatId uuid.UUID, title string, messages []entity.ChatMessage) []byte {
	return encodeFrame(FrameChatSwitched, map[string]interface{}{
		"chatId":   chatId.String(),
		"messages": toWireMessages(messages),
		"title":    title,
	})
}

func NewChatCreatedFrame(chatId uuid.UUID, title string) []byte {
	return encodeFrame(FrameChatCreated, map[string]string{
		"chatId": chatId.String(),
		"title":  title,
	})
}

func NewUserMessageFrame(message *entity.ChatMessage) []byte {
	return encodeFrame(FrameUserMessage, map[string]interface{}{
		"messageId": message.Id.String(),
		"content":   message.Content,
		"role":      message.Role,
		"timestamp": message.CreatedAt,
	})
}

func NewAssistantStartFrame(notice string) []byte {
	return encodeFrame(FrameAssistantMessageStart, map[string]string{
		"message": notice,
	})
}

func NewAssistantTokenFrame(token string) []byte {
	return encodeFrame(FrameAssistantMessageToken, map[string]string{
		"token": token,
	})
}

func NewAssistantCompleteFrame(messageId uuid.UUID, content string, timestamp time.Time) []byte {
	return encodeFrame(FrameAssistantMessageComplete, map[string]interface{}{
		"messageId": messageId.String(),
		"content":   content,
		"role":      "assistant",
		"timestamp": timestamp,
	})
}

func NewErrorFrame(message string) []byte {
	return encodeFrame(FrameError, map[string]string{
		"message": message,
	})
}
