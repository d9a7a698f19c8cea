package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, ids []string, clock *stepClock) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:billing_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entitlement{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if clock == nil {
		clock = &stepClock{now: time.Unix(1700000000, 0).UTC()}
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &staticIDGenerator{ids: ids},
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func TestCreateForOwnerStartsInactive(t *testing.T) {
	service, _ := newTestService(t, []string{"ent-1"}, nil)

	record, err := service.CreateForOwner(context.Background(), "Owner@Example.com")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.OwnerEmail != "owner@example.com" {
		t.Fatalf("expected normalized email, got %q", record.OwnerEmail)
	}
	if record.Status != StatusInactive {
		t.Fatalf("expected inactive status, got %q", record.Status)
	}
}

func TestCreateForOwnerReturnsExistingRecord(t *testing.T) {
	service, _ := newTestService(t, []string{"ent-1", "ent-2"}, nil)

	first, err := service.CreateForOwner(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := service.CreateForOwner(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if second.EntitlementID != first.EntitlementID {
		t.Fatalf("expected the existing record back, got %q and %q", first.EntitlementID, second.EntitlementID)
	}
}

func TestApplyOverwritesExistingRecord(t *testing.T) {
	service, _ := newTestService(t, []string{"ent-1"}, nil)

	if _, err := service.CreateForOwner(context.Background(), "owner@example.com"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	periodEnd := int64(1790726400)
	err := service.Apply(context.Background(), LifecycleEvent{
		Kind:                   EventSubscriptionCreated,
		OwnerEmail:             "owner@example.com",
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		ProviderStatus:         "trialing",
		CurrentPeriodEndSecs:   &periodEnd,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	record, found, err := service.GetByOwner(context.Background(), "owner@example.com")
	if err != nil || !found {
		t.Fatalf("lookup failed: found=%v err=%v", found, err)
	}
	if record.Status != StatusTrialing {
		t.Fatalf("expected trialing, got %q", record.Status)
	}
	if record.ProviderSubscriptionID != "sub_1" {
		t.Fatalf("unexpected subscription id %q", record.ProviderSubscriptionID)
	}
	if record.CurrentPeriodEndSecs == nil || *record.CurrentPeriodEndSecs != periodEnd {
		t.Fatalf("unexpected period end %v", record.CurrentPeriodEndSecs)
	}
}

func TestApplySameEventTwiceYieldsSameState(t *testing.T) {
	service, _ := newTestService(t, []string{"ent-1"}, nil)

	if _, err := service.CreateForOwner(context.Background(), "owner@example.com"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	event := LifecycleEvent{
		Kind:                   EventSubscriptionUpdated,
		OwnerEmail:             "owner@example.com",
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		ProviderStatus:         "active",
	}
	if err := service.Apply(context.Background(), event); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	first, _, err := service.GetByOwner(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	if err := service.Apply(context.Background(), event); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	second, _, err := service.GetByOwner(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	if second.Status != first.Status ||
		second.ProviderCustomerID != first.ProviderCustomerID ||
		second.ProviderSubscriptionID != first.ProviderSubscriptionID {
		t.Fatalf("expected identical state after replay, got %+v then %+v", first, second)
	}
}

func TestApplyWithoutRecordIsNoOp(t *testing.T) {
	service, db := newTestService(t, nil, nil)

	err := service.Apply(context.Background(), LifecycleEvent{
		Kind:           EventSubscriptionCreated,
		OwnerEmail:     "stranger@example.com",
		ProviderStatus: "active",
	})
	if err != nil {
		t.Fatalf("expected a silent no-op, got %v", err)
	}

	var count int64
	if err := db.Model(&Entitlement{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no records to be fabricated, found %d", count)
	}
}

func TestApplyNormalizesUnknownStatusToInactive(t *testing.T) {
	service, _ := newTestService(t, []string{"ent-1"}, nil)

	if _, err := service.CreateForOwner(context.Background(), "owner@example.com"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := service.Apply(context.Background(), LifecycleEvent{
		Kind:           EventSubscriptionUpdated,
		OwnerEmail:     "owner@example.com",
		ProviderStatus: "weird_unknown_value",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	record, _, err := service.GetByOwner(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record.Status != StatusInactive {
		t.Fatalf("expected inactive, got %q", record.Status)
	}
}

func TestHasActiveEntitlement(t *testing.T) {
	service, _ := newTestService(t, []string{"ent-1"}, nil)

	if _, err := service.CreateForOwner(context.Background(), "owner@example.com"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	active, err := service.HasActiveEntitlement(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if active {
		t.Fatal("expected a fresh record to be inactive")
	}

	err = service.Apply(context.Background(), LifecycleEvent{
		Kind:           EventSubscriptionCreated,
		OwnerEmail:     "owner@example.com",
		ProviderStatus: "trialing",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	active, err = service.HasActiveEntitlement(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !active {
		t.Fatal("expected a trialing record to grant access")
	}

	active, err = service.HasActiveEntitlement(context.Background(), "missing@example.com")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if active {
		t.Fatal("expected a missing record to deny access")
	}
}

func TestApplySerializesEventsPerEmail(t *testing.T) {
	service, _ := newTestService(t, []string{"ent-1"}, nil)

	if _, err := service.CreateForOwner(context.Background(), "owner@example.com"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for index := 0; index < 8; index++ {
		wg.Add(1)
		status := "active"
		if index%2 == 1 {
			status = "canceled"
		}
		go func(status string) {
			defer wg.Done()
			<-start
			_ = service.Apply(context.Background(), LifecycleEvent{
				Kind:           EventSubscriptionUpdated,
				OwnerEmail:     "owner@example.com",
				ProviderStatus: status,
			})
		}(status)
	}
	close(start)
	wg.Wait()

	record, found, err := service.GetByOwner(context.Background(), "owner@example.com")
	if err != nil || !found {
		t.Fatalf("lookup failed: found=%v err=%v", found, err)
	}
	if record.Status != StatusActive && record.Status != StatusCanceled {
		t.Fatalf("expected the final state to match one applied event, got %q", record.Status)
	}
}
