package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"ai-legalchat-be/internal/config"
	"ai-legalchat-be/internal/constant"
	"ai-legalchat-be/internal/entity"
	"ai-legalchat-be/pkg/llm"
)

// Shared test doubles for the relay package.

type nopLogger struct{}

func (nopLogger) Debug(string, string, map[string]interface{}) {}
func (nopLogger) Info(string, string, map[string]interface{})  {}
func (nopLogger) Warn(string, string, map[string]interface{})  {}
func (nopLogger) Error(string, string, map[string]interface{}) {}
func (nopLogger) Sync() error                                  { return nil }

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		MaxConnections:        10,
		MaxConnectionsPerUser: 2,
		MaxMessageLength:      100,
		RateWindow:            time.Minute,
		RateMaxMessages:       3,
		IdleTimeout:           10 * time.Minute,
		CleanupInterval:       time.Minute,
		MetricsInterval:       time.Minute,
		GenerationMaxTokens:   128,
		CapacityCloseCode:     4008,
		Health: config.HealthThresholds{
			WarnConnections:   5,
			CritConnections:   8,
			WarnLatency:       5 * time.Second,
			CritLatency:       10 * time.Second,
			WarnErrorRate:     0.1,
			CritErrorRate:     0.2,
			LatencySampleSize: 100,
		},
	}
}

func testRecorder() *Recorder {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return NewRecorder(pubSub, nopLogger{})
}

// fakeSender records delivered frames instead of writing to a socket.
type fakeSender struct {
	mu        sync.Mutex
	id        uuid.UUID
	frames    [][]byte
	closed    bool
	closeCode int
}

func newFakeSender() *fakeSender {
	return &fakeSender{id: uuid.New()}
}

func (s *fakeSender) Id() uuid.UUID { return s.id }

func (s *fakeSender) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSender) ForceClose(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
	}
}

func (s *fakeSender) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// frameTypes returns the outbound frame types in delivery order.
func (s *fakeSender) frameTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.frames))
	for _, raw := range s.frames {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

// lastFrameOfType returns the decoded data of the most recent frame with the
// given type, or nil if none was delivered.
func (s *fakeSender) lastFrameOfType(frameType string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		var env Envelope
		if err := json.Unmarshal(s.frames[i], &env); err != nil {
			continue
		}
		if env.Type != frameType {
			continue
		}
		var data map[string]interface{}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil
		}
		return data
	}
	return nil
}

func (s *fakeSender) countType(frameType string) int {
	count := 0
	for _, t := range s.frameTypes() {
		if t == frameType {
			count++
		}
	}
	return count
}

// fakeVerifier accepts a fixed set of tokens.
type fakeVerifier struct {
	tokens map[string]uuid.UUID
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (uuid.UUID, error) {
	if userId, ok := v.tokens[token]; ok {
		return userId, nil
	}
	return uuid.Nil, errors.New("invalid token")
}

// fakeStore is an in-memory ChatStore.
type fakeStore struct {
	mu       sync.Mutex
	owners   map[uuid.UUID]uuid.UUID
	titles   map[uuid.UUID]string
	messages map[uuid.UUID][]entity.ChatMessage

	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		owners:   make(map[uuid.UUID]uuid.UUID),
		titles:   make(map[uuid.UUID]string),
		messages: make(map[uuid.UUID][]entity.ChatMessage),
	}
}

func (s *fakeStore) addChat(userId uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	chatId := uuid.New()
	s.owners[chatId] = userId
	s.titles[chatId] = constant.DefaultChatTitle
	return chatId
}

func (s *fakeStore) FindOwnedChat(_ context.Context, userId, chatId uuid.UUID) (*entity.ChatSession, []entity.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[chatId]
	if !ok || owner != userId {
		return nil, nil, ErrChatAccess
	}
	history := append([]entity.ChatMessage(nil), s.messages[chatId]...)
	return &entity.ChatSession{Id: chatId, UserId: userId, Title: s.titles[chatId]}, history, nil
}

func (s *fakeStore) CreateChat(_ context.Context, userId uuid.UUID) (*entity.ChatSession, error) {
	chatId := s.addChat(userId)
	return &entity.ChatSession{Id: chatId, UserId: userId, Title: constant.DefaultChatTitle}, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, chatId uuid.UUID, role, content string) (*entity.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	message := entity.ChatMessage{
		Id:            uuid.New(),
		Content:       content,
		Role:          role,
		ChatSessionId: chatId,
		CreatedAt:     time.Now(),
	}
	s.messages[chatId] = append(s.messages[chatId], message)
	return &message, nil
}

func (s *fakeStore) History(_ context.Context, chatId uuid.UUID) ([]entity.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.ChatMessage(nil), s.messages[chatId]...), nil
}

func (s *fakeStore) CountMessages(_ context.Context, chatId uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.messages[chatId])), nil
}

func (s *fakeStore) RenameChat(_ context.Context, chatId uuid.UUID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[chatId]; !ok {
		return ErrChatAccess
	}
	s.titles[chatId] = title
	return nil
}

// fakeProvider streams scripted tokens, optionally failing after failAfter
// tokens were delivered.
type fakeProvider struct {
	tokens    []string
	failAfter int // -1 means never fail
}

func (p *fakeProvider) Chat(_ context.Context, _ []llm.Message, _ ...llm.Option) (string, error) {
	full := ""
	for _, t := range p.tokens {
		full += t
	}
	return full, nil
}

func (p *fakeProvider) ChatStream(_ context.Context, _ []llm.Message, onToken llm.TokenHandler, _ ...llm.Option) error {
	for i, t := range p.tokens {
		if p.failAfter >= 0 && i >= p.failAfter {
			return errors.New("backend unavailable")
		}
		if err := onToken(t); err != nil {
			return err
		}
	}
	return nil
}

func newTestGateway(store *fakeStore, verifier *fakeVerifier, cfg config.RelayConfig) (*Gateway, *fakeSender, *Registry) {
	conn := newFakeSender()
	registry := NewRegistry(cfg)
	recorder := testRecorder()
	gen := NewGenerator(store, &fakeProvider{tokens: []string{"Hello", " there"}, failAfter: -1}, recorder, nopLogger{}, cfg.GenerationMaxTokens)
	gw := NewGateway(conn, registry, verifier, store, gen, recorder, nil, nopLogger{}, cfg)
	return gw, conn, registry
}

func encodeEnvelope(frameType string, data map[string]interface{}) []byte {
	raw, _ := json.Marshal(data)
	out, _ := json.Marshal(Envelope{Type: frameType, Data: raw})
	return out
}
