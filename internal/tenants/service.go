package tenants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/chat"
	"gorm.io/gorm"
)

// ErrInvalidOrgName indicates an empty or oversized organization name.
var ErrInvalidOrgName = errors.New("tenants: invalid organization name")

// ServiceConfig describes the dependencies for tenant resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider chat.IDProvider
}

// Service resolves organization names to ids, creating the row on first
// sight. Resolution results are cached for the process lifetime: org rows
// are never deleted.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider chat.IDProvider
	cache      sync.Map
}

// NewService constructs the tenant service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("tenants: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("tenants: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
	}, nil
}

// EnsureOrganization returns the id of the named organization, creating it
// when the name has not been seen before.
func (s *Service) EnsureOrganization(ctx context.Context, name string) (string, error) {
	normalized := strings.TrimSpace(name)
	if normalized == "" || len(normalized) > 100 {
		return "", ErrInvalidOrgName
	}

	if cached, ok := s.cache.Load(normalized); ok {
		if orgID, ok := cached.(string); ok {
			return orgID, nil
		}
	}

	var organization chat.Organization
	err := s.db.WithContext(ctx).
		Where("name = ?", normalized).
		First(&organization).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		orgID, err := s.idProvider.NewID()
		if err != nil {
			return "", err
		}
		organization = chat.Organization{
			ID:               orgID,
			Name:             normalized,
			CreatedAtSeconds: s.now().UTC().Unix(),
		}
		if err := s.db.WithContext(ctx).Create(&organization).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	s.cache.Store(normalized, organization.ID)
	return organization.ID, nil
}
