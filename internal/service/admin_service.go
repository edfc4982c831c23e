package service

import (
	"context"

	"github.com/liliang-cn/askguard/internal/breaker"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"github.com/liliang-cn/askguard/internal/repository"
)

// AdminService handles admin operations
type AdminService struct {
	tenantRepo *repository.TenantRepository
	convRepo   *repository.ConversationRepository
	auditRepo  *repository.AuditRepository
	search     *SearchService
	costs      *metrics.CostTracker
	breakers   []*breaker.Breaker
	defaults   AdminDefaults
}

// AdminDefaults are applied to tenants created without explicit settings
type AdminDefaults struct {
	RateLimit      int
	IncludePrivate bool
}

// NewAdminService creates a new admin service
func NewAdminService(
	tenantRepo *repository.TenantRepository,
	convRepo *repository.ConversationRepository,
	auditRepo *repository.AuditRepository,
	search *SearchService,
	costs *metrics.CostTracker,
	breakers []*breaker.Breaker,
	defaults AdminDefaults,
) *AdminService {
	if defaults.RateLimit == 0 {
		defaults.RateLimit = 100
	}
	return &AdminService{
		tenantRepo: tenantRepo,
		convRepo:   convRepo,
		auditRepo:  auditRepo,
		search:     search,
		costs:      costs,
		breakers:   breakers,
		defaults:   defaults,
	}
}

// Tenant operations

func (s *AdminService) CreateTenant(ctx context.Context, req *domain.CreateTenantRequest) (*domain.Tenant, error) {
	tenant := &domain.Tenant{
		ID:               req.ID,
		Name:             req.Name,
		Model:            req.Model,
		MaxContextTokens: req.MaxContextTokens,
		TopK:             req.TopK,
		IncludePrivate:   s.defaults.IncludePrivate,
		RateLimit:        req.RateLimit,
	}
	if req.IncludePrivate != nil {
		tenant.IncludePrivate = *req.IncludePrivate
	}
	if tenant.RateLimit == 0 {
		tenant.RateLimit = s.defaults.RateLimit
	}

	if err := s.tenantRepo.Create(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

func (s *AdminService) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	tenant, err := s.tenantRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, domain.ErrNotFound
	}
	return tenant, nil
}

func (s *AdminService) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	return s.tenantRepo.List(ctx)
}

func (s *AdminService) UpdateTenant(ctx context.Context, id string, req *domain.UpdateTenantRequest) (*domain.Tenant, error) {
	tenant, err := s.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		tenant.Name = req.Name
	}
	if req.Model != "" {
		tenant.Model = req.Model
	}
	if req.MaxContextTokens > 0 {
		tenant.MaxContextTokens = req.MaxContextTokens
	}
	if req.TopK > 0 {
		tenant.TopK = req.TopK
	}
	if req.IncludePrivate != nil {
		tenant.IncludePrivate = *req.IncludePrivate
	}
	if req.RateLimit > 0 {
		tenant.RateLimit = req.RateLimit
	}

	if err := s.tenantRepo.Update(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

func (s *AdminService) DeleteTenant(ctx context.Context, id string) error {
	return s.tenantRepo.Delete(ctx, id)
}

// Audit

func (s *AdminService) ListAudit(ctx context.Context, tenantID string, limit int) ([]*domain.AuditEntry, error) {
	return s.auditRepo.List(ctx, tenantID, limit)
}

// Cache

func (s *AdminService) ClearCache(ctx context.Context) error {
	return s.search.ClearCache(ctx)
}

// Stats

func (s *AdminService) GetStats(ctx context.Context) (*domain.Stats, error) {
	tenants, err := s.tenantRepo.Count(ctx)
	if err != nil {
		return nil, err
	}
	chats, err := s.convRepo.CountChats(ctx)
	if err != nil {
		return nil, err
	}
	blocked, err := s.auditRepo.CountBlocked(ctx)
	if err != nil {
		return nil, err
	}

	breakers := make(map[string]string, len(s.breakers))
	for _, b := range s.breakers {
		breakers[b.Name()] = string(b.State())
	}

	return &domain.Stats{
		TotalTenants:     tenants,
		TotalChats:       chats,
		BlockedResponses: blocked,
		Cost:             s.costs.Snapshot(),
		Cache:            s.search.CacheStats(),
		Breakers:         breakers,
	}, nil
}
