package service

import (
	"context"
	"time"

	"ai-legalchat-be/internal/constant"
	"ai-legalchat-be/internal/dto"
	"ai-legalchat-be/internal/entity"
	"ai-legalchat-be/internal/relay"
	"ai-legalchat-be/internal/repository/cache"
	"ai-legalchat-be/internal/repository/specification"
	"ai-legalchat-be/internal/repository/unitofwork"

	"github.com/google/uuid"
)

// IChatService is the store behind both surfaces: the websocket relay
// (through relay.ChatStore) and the HTTP chat endpoints.
type IChatService interface {
	relay.ChatStore

	List(ctx context.Context, userId uuid.UUID) (*dto.ListChatsResponse, error)
	Show(ctx context.Context, userId, chatId uuid.UUID) (*dto.ChatDetailResponse, error)
	Remove(ctx context.Context, userId, chatId uuid.UUID) error
}

type chatService struct {
	uowFactory   unitofwork.RepositoryFactory
	historyCache *cache.HistoryCache
}

func NewChatService(uowFactory unitofwork.RepositoryFactory, historyCache *cache.HistoryCache) IChatService {
	return &chatService{
		uowFactory:   uowFactory,
		historyCache: historyCache,
	}
}

func (s *chatService) findOwned(ctx context.Context, uow unitofwork.UnitOfWork, userId, chatId uuid.UUID) (*entity.ChatSession, error) {
	chat, err := uow.ChatSessionRepository().FindOne(ctx,
		specification.ByID{ID: chatId},
		specification.OwnedBy{UserID: userId},
	)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, relay.ErrChatAccess
	}
	return chat, nil
}

func (s *chatService) FindOwnedChat(ctx context.Context, userId, chatId uuid.UUID) (*entity.ChatSession, []entity.ChatMessage, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	chat, err := s.findOwned(ctx, uow, userId, chatId)
	if err != nil {
		return nil, nil, err
	}

	history, err := s.History(ctx, chatId)
	if err != nil {
		return nil, nil, err
	}
	return chat, history, nil
}

func (s *chatService) CreateChat(ctx context.Context, userId uuid.UUID) (*entity.ChatSession, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	chat := &entity.ChatSession{
		Id:          uuid.New(),
		UserId:      userId,
		Title:       constant.DefaultChatTitle,
		Description: constant.DefaultChatDescription,
		SourceType:  constant.ChatSourceManual,
		CreatedAt:   time.Now(),
	}
	if err := uow.ChatSessionRepository().Create(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *chatService) AppendMessage(ctx context.Context, chatId uuid.UUID, role, content string) (*entity.ChatMessage, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	message := &entity.ChatMessage{
		Id:            uuid.New(),
		Content:       content,
		Role:          role,
		ChatSessionId: chatId,
		CreatedAt:     time.Now(),
	}
	if err := uow.ChatMessageRepository().Create(ctx, message); err != nil {
		return nil, err
	}

	s.historyCache.Invalidate(ctx, chatId)
	return message, nil
}

func (s *chatService) History(ctx context.Context, chatId uuid.UUID) ([]entity.ChatMessage, error) {
	if cached, ok := s.historyCache.Get(ctx, chatId); ok {
		return derefMessages(cached), nil
	}

	uow := s.uowFactory.NewUnitOfWork(ctx)
	messages, err := uow.ChatMessageRepository().FindAll(ctx,
		specification.ByChatSessionID{ChatSessionID: chatId},
		specification.OrderBy{Field: "created_at"},
	)
	if err != nil {
		return nil, err
	}

	s.historyCache.Set(ctx, chatId, messages)
	return derefMessages(messages), nil
}

func (s *chatService) CountMessages(ctx context.Context, chatId uuid.UUID) (int64, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	return uow.ChatMessageRepository().Count(ctx, specification.ByChatSessionID{ChatSessionID: chatId})
}

func (s *chatService) RenameChat(ctx context.Context, chatId uuid.UUID, title string) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	chat, err := uow.ChatSessionRepository().FindOne(ctx, specification.ByID{ID: chatId})
	if err != nil {
		return err
	}
	if chat == nil {
		return relay.ErrChatAccess
	}

	chat.Title = title
	return uow.ChatSessionRepository().Update(ctx, chat)
}

func (s *chatService) List(ctx context.Context, userId uuid.UUID) (*dto.ListChatsResponse, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	chats, err := uow.ChatSessionRepository().FindAll(ctx,
		specification.OwnedBy{UserID: userId},
		specification.BySourceType{SourceType: constant.ChatSourceManual},
		specification.OrderBy{Field: "created_at", Desc: true},
	)
	if err != nil {
		return nil, err
	}

	resp := &dto.ListChatsResponse{Chats: make([]dto.ChatSessionResponse, 0, len(chats))}
	for _, chat := range chats {
		resp.Chats = append(resp.Chats, dto.ChatSessionResponse{
			Id:          chat.Id,
			Title:       chat.Title,
			Description: chat.Description,
			SourceType:  chat.SourceType,
			CreatedAt:   chat.CreatedAt,
		})
	}
	return resp, nil
}

func (s *chatService) Show(ctx context.Context, userId, chatId uuid.UUID) (*dto.ChatDetailResponse, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	chat, err := s.findOwned(ctx, uow, userId, chatId)
	if err != nil {
		return nil, err
	}

	history, err := s.History(ctx, chatId)
	if err != nil {
		return nil, err
	}

	resp := &dto.ChatDetailResponse{
		Id:          chat.Id,
		Title:       chat.Title,
		Description: chat.Description,
		SourceType:  chat.SourceType,
		CreatedAt:   chat.CreatedAt,
		Messages:    make([]dto.ChatMessageResponse, 0, len(history)),
	}
	for _, m := range history {
		resp.Messages = append(resp.Messages, dto.ChatMessageResponse{
			Id:        m.Id,
			Content:   m.Content,
			Role:      m.Role,
			CreatedAt: m.CreatedAt,
		})
	}
	return resp, nil
}

func (s *chatService) Remove(ctx context.Context, userId, chatId uuid.UUID) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	if _, err := s.findOwned(ctx, uow, userId, chatId); err != nil {
		return err
	}

	if err := uow.Begin(ctx); err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.ChatMessageRepository().DeleteByChatSessionId(ctx, chatId); err != nil {
		return err
	}
	if err := uow.ChatSessionRepository().Delete(ctx, chatId); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}

	s.historyCache.Invalidate(ctx, chatId)
	return nil
}

func derefMessages(messages []*entity.ChatMessage) []entity.ChatMessage {
	out := make([]entity.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, *m)
	}
	return out
}
