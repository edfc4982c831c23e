package service

import (
	"context"
	"fmt"

	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/repository"
	"go.uber.org/zap"
)

// ChatService resolves tenants and conversations around the orchestrator
type ChatService struct {
	tenantRepo   *repository.TenantRepository
	convRepo     *repository.ConversationRepository
	orchestrator *Orchestrator
	historyTurns int
	logger       *zap.Logger
}

// NewChatService creates a new chat service
func NewChatService(
	tenantRepo *repository.TenantRepository,
	convRepo *repository.ConversationRepository,
	orchestrator *Orchestrator,
	historyTurns int,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		tenantRepo:   tenantRepo,
		convRepo:     convRepo,
		orchestrator: orchestrator,
		historyTurns: historyTurns,
		logger:       logger.Named("chat"),
	}
}

// Chat answers a message in a conversation, creating the conversation when none is given
func (s *ChatService) Chat(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	tenant, convID, opts, err := s.prepare(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	resp, err := s.orchestrator.ProcessQueryWithOptions(ctx, tenant.ID, convID, req.Message, opts)
	if err != nil {
		return nil, err
	}

	return &domain.ChatResponse{
		ConversationID:   convID,
		Answer:           resp.Content,
		Citations:        resp.Citations,
		PrivacyCompliant: resp.PrivacyCompliant,
		Fallback:         resp.Fallback,
		StageLatenciesMS: resp.StageLatenciesMS,
	}, nil
}

// ChatStream is Chat with a streamed answer. The conversation ID is returned
// up front so the transport can hand it to the client before the first event.
func (s *ChatService) ChatStream(ctx context.Context, tenantID string, req *domain.ChatRequest) (string, <-chan domain.StreamEvent, error) {
	tenant, convID, opts, err := s.prepare(ctx, tenantID, req)
	if err != nil {
		return "", nil, err
	}

	ch, err := s.orchestrator.ProcessQueryStream(ctx, tenant.ID, convID, req.Message, opts)
	if err != nil {
		return "", nil, err
	}
	return convID, ch, nil
}

// Messages returns the stored messages of a conversation owned by tenantID
func (s *ChatService) Messages(ctx context.Context, tenantID, conversationID string) ([]*domain.Message, error) {
	conv, err := s.convRepo.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return s.convRepo.ListMessages(ctx, conversationID)
}

func (s *ChatService) prepare(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.Tenant, string, QueryOptions, error) {
	if req == nil || req.Message == "" {
		return nil, "", QueryOptions{}, fmt.Errorf("%w: message is required", domain.ErrInvalidRequest)
	}

	tenant, err := s.tenantRepo.Get(ctx, tenantID)
	if err != nil {
		return nil, "", QueryOptions{}, err
	}
	if tenant == nil {
		return nil, "", QueryOptions{}, domain.ErrNotFound
	}

	convID := req.ConversationID
	var history []domain.Message
	if convID == "" {
		conv := &domain.Conversation{TenantID: tenant.ID}
		if err := s.convRepo.Create(ctx, conv); err != nil {
			return nil, "", QueryOptions{}, err
		}
		convID = conv.ID
	} else {
		conv, err := s.convRepo.Get(ctx, convID)
		if err != nil {
			return nil, "", QueryOptions{}, err
		}
		// a foreign conversation is reported as missing
		if conv == nil || conv.TenantID != tenant.ID {
			return nil, "", QueryOptions{}, domain.ErrNotFound
		}

		recent, err := s.convRepo.RecentMessages(ctx, convID, s.historyTurns*2)
		if err != nil {
			s.logger.Warn("Failed to load conversation history",
				zap.String("conversation_id", convID),
				zap.Error(err),
			)
		}
		for _, m := range recent {
			history = append(history, *m)
		}
	}

	includePrivate := tenant.IncludePrivate
	return tenant, convID, QueryOptions{
		TopK:             tenant.TopK,
		MaxContextTokens: tenant.MaxContextTokens,
		IncludePrivate:   &includePrivate,
		Model:            tenant.Model,
		History:          history,
	}, nil
}
