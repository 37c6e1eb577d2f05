package tenants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/chat"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("org-%d", p.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:workchat_tenants_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Organization{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func TestEnsureOrganizationCreatesOnFirstSight(t *testing.T) {
	service, db := newTestService(t)

	orgID, err := service.EnsureOrganization(context.Background(), "  acme  ")
	if err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	if orgID != "org-1" {
		t.Fatalf("unexpected org id %s", orgID)
	}

	var stored chat.Organization
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load org: %v", err)
	}
	if stored.Name != "acme" {
		t.Fatalf("expected trimmed name, got %q", stored.Name)
	}
}

func TestEnsureOrganizationIsIdempotent(t *testing.T) {
	service, db := newTestService(t)

	first, err := service.EnsureOrganization(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	second, err := service.EnsureOrganization(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable id, got %s then %s", first, second)
	}

	var count int64
	if err := db.Model(&chat.Organization{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count orgs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 org row, got %d", count)
	}
}

func TestEnsureOrganizationResolvesExistingRow(t *testing.T) {
	service, db := newTestService(t)

	existing := chat.Organization{ID: "org-preexisting", Name: "globex", CreatedAtSeconds: 1}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("failed to seed org: %v", err)
	}

	orgID, err := service.EnsureOrganization(context.Background(), "globex")
	if err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	if orgID != "org-preexisting" {
		t.Fatalf("expected existing id, got %s", orgID)
	}
}

func TestEnsureOrganizationRejectsInvalidNames(t *testing.T) {
	service, _ := newTestService(t)

	cases := []string{"", "   ", strings.Repeat("x", 101)}
	for _, name := range cases {
		if _, err := service.EnsureOrganization(context.Background(), name); !errors.Is(err, ErrInvalidOrgName) {
			t.Fatalf("expected invalid name error for %q, got %v", name, err)
		}
	}
}
