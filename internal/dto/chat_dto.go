package dto

import (
	"time"

	"github.com/google/uuid"
)

type ChatSessionResponse struct {
	Id          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	SourceType  string    `json:"source_type"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatMessageResponse struct {
	Id        uuid.UUID `json:"id"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatDetailResponse struct {
	Id          uuid.UUID             `json:"id"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	SourceType  string                `json:"source_type"`
	CreatedAt   time.Time             `json:"created_at"`
	Messages    []ChatMessageResponse `json:"messages"`
}

type ListChatsResponse struct {
	Chats []ChatSessionResponse `json:"chats"`
}
