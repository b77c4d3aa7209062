package resolver

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/models"
)

type stubRepo struct {
	endpoints []models.ProviderEndpoint
	calls     int
	err       error
}

func (s *stubRepo) ListEndpoints(_ context.Context, _ uint64, _ models.ProviderType) ([]models.ProviderEndpoint, error) {
	s.calls++
	return s.endpoints, s.err
}

func vendorProvider(vendorID uint64) models.Provider {
	return models.Provider{
		ID:           1,
		VendorID:     &vendorID,
		ProviderType: models.ProviderTypeAnthropic,
		FallbackURL:  "https://fallback.example.com",
	}
}

func testBreakers() *breaker.Registry {
	return breaker.NewRegistry(breaker.DefaultConfig(), nil)
}

func TestResolveVendorlessUsesFallback(t *testing.T) {
	repo := &stubRepo{}
	r := New(repo, testBreakers())

	provider := models.Provider{ID: 1, FallbackURL: "https://static.example.com"}
	rc := &RouteContext{SessionID: "s1"}
	base, errResolve := r.Resolve(context.Background(), rc, provider)
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if base != "https://static.example.com" {
		t.Fatalf("expected static fallback, got %s", base)
	}
	if rc.EndpointID != nil {
		t.Fatalf("expected no endpoint recorded")
	}
	if repo.calls != 0 {
		t.Fatalf("expected no repository lookup for vendor-less provider")
	}
}

func TestResolveEmptySetFallsBack(t *testing.T) {
	repo := &stubRepo{}
	r := New(repo, testBreakers())

	rc := &RouteContext{}
	base, errResolve := r.Resolve(context.Background(), rc, vendorProvider(7))
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if base != "https://fallback.example.com" {
		t.Fatalf("expected fallback url, got %s", base)
	}
}

func TestResolveNoEnabledOpensFuse(t *testing.T) {
	repo := &stubRepo{endpoints: []models.ProviderEndpoint{
		{ID: 1, VendorID: 7, BaseURL: "https://a.example.com", IsEnabled: false},
		{ID: 2, VendorID: 7, BaseURL: "not a url", IsEnabled: true},
	}}
	breakers := testBreakers()
	r := New(repo, breakers)

	_, errResolve := r.Resolve(context.Background(), &RouteContext{}, vendorProvider(7))
	var routeErr *RouteError
	if !errors.As(errResolve, &routeErr) || routeErr.Kind != KindNoEnabledEndpoints {
		t.Fatalf("expected no_enabled_endpoints error, got %v", errResolve)
	}
	if routeErr.VendorID != 7 || routeErr.ProviderType != models.ProviderTypeAnthropic {
		t.Fatalf("expected vendor scope on error, got %+v", routeErr)
	}
	fuse, ok := breakers.Fuse(7, int(models.ProviderTypeAnthropic))
	if !ok || fuse.Reason != KindNoEnabledEndpoints {
		t.Fatalf("expected fuse opened with reason, got %+v %v", fuse, ok)
	}
}

func TestResolveAllUnhealthyOpensFuse(t *testing.T) {
	repo := &stubRepo{endpoints: []models.ProviderEndpoint{
		{ID: 1, VendorID: 7, BaseURL: "https://a.example.com", IsEnabled: true},
	}}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Window: time.Minute, CoolDown: time.Minute}, func() time.Time { return now })
	breakers.RecordFailure(1, "upstream_error")
	r := New(repo, breakers)

	_, errResolve := r.Resolve(context.Background(), &RouteContext{}, vendorProvider(7))
	var routeErr *RouteError
	if !errors.As(errResolve, &routeErr) || routeErr.Kind != KindAllEndpointsUnhealthy {
		t.Fatalf("expected all_endpoints_unhealthy error, got %v", errResolve)
	}
	fuse, ok := breakers.Fuse(7, int(models.ProviderTypeAnthropic))
	if !ok || fuse.Reason != KindAllEndpointsUnhealthy {
		t.Fatalf("expected fuse opened, got %+v %v", fuse, ok)
	}
}

func TestResolvePriorityDominance(t *testing.T) {
	repo := &stubRepo{endpoints: []models.ProviderEndpoint{
		{ID: 1, VendorID: 7, BaseURL: "https://p1.example.com", IsEnabled: true, Priority: 1, Weight: 100},
		{ID: 2, VendorID: 7, BaseURL: "https://p0.example.com", IsEnabled: true, Priority: 0, Weight: 1},
	}}
	rng := rand.New(rand.NewSource(42))
	r := New(repo, testBreakers(), WithRandSource(rng.Float64, rng.Intn))

	for i := 0; i < 100; i++ {
		rc := &RouteContext{}
		base, errResolve := r.Resolve(context.Background(), rc, vendorProvider(7))
		if errResolve != nil {
			t.Fatalf("resolve: %v", errResolve)
		}
		if base != "https://p0.example.com" {
			t.Fatalf("priority 1 endpoint selected while priority 0 healthy")
		}
		if rc.EndpointID == nil || *rc.EndpointID != 2 {
			t.Fatalf("expected endpoint 2 recorded, got %v", rc.EndpointID)
		}
	}
}

func TestResolveWeightedFairness(t *testing.T) {
	repo := &stubRepo{endpoints: []models.ProviderEndpoint{
		{ID: 1, VendorID: 7, BaseURL: "https://w1.example.com", IsEnabled: true, Weight: 1},
		{ID: 2, VendorID: 7, BaseURL: "https://w3.example.com", IsEnabled: true, Weight: 3},
	}}
	rng := rand.New(rand.NewSource(1))
	r := New(repo, testBreakers(), WithRandSource(rng.Float64, rng.Intn))

	const trials = 20000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		base, errResolve := r.Resolve(context.Background(), &RouteContext{}, vendorProvider(7))
		if errResolve != nil {
			t.Fatalf("resolve: %v", errResolve)
		}
		counts[base]++
	}
	ratio := float64(counts["https://w3.example.com"]) / float64(counts["https://w1.example.com"])
	if ratio < 2.7 || ratio > 3.3 {
		t.Fatalf("expected selection ratio near 3, got %.2f (%v)", ratio, counts)
	}
}

func TestPickWeightedZeroTotalUniform(t *testing.T) {
	endpoints := []models.ProviderEndpoint{
		{ID: 1, Weight: 0},
		{ID: 2, Weight: -5},
	}
	picked := pickWeighted(endpoints, func() float64 { return 0.99 }, func(n int) int { return 1 % n })
	if picked.ID != 2 {
		t.Fatalf("expected uniform fallback pick of index 1, got %d", picked.ID)
	}
}

func TestResolveCachesEndpointList(t *testing.T) {
	repo := &stubRepo{endpoints: []models.ProviderEndpoint{
		{ID: 1, VendorID: 7, BaseURL: "https://a.example.com", IsEnabled: true, Weight: 1},
	}}
	r := New(repo, testBreakers())

	for i := 0; i < 5; i++ {
		if _, errResolve := r.Resolve(context.Background(), &RouteContext{}, vendorProvider(7)); errResolve != nil {
			t.Fatalf("resolve: %v", errResolve)
		}
	}
	if repo.calls != 1 {
		t.Fatalf("expected one repository call under cache, got %d", repo.calls)
	}

	r.InvalidateEndpoints(7, models.ProviderTypeAnthropic)
	if _, errResolve := r.Resolve(context.Background(), &RouteContext{}, vendorProvider(7)); errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if repo.calls != 2 {
		t.Fatalf("expected refetch after invalidation, got %d", repo.calls)
	}
}

func TestValidBaseURL(t *testing.T) {
	cases := map[string]bool{
		"https://api.example.com":   true,
		"http://api.example.com/v1": true,
		"ftp://api.example.com":     false,
		"not a url":                 false,
		"":                          false,
		"https://":                  false,
	}
	for raw, want := range cases {
		if got := validBaseURL(raw); got != want {
			t.Fatalf("validBaseURL(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestResolveStoredDisabledEndpoint(t *testing.T) {
	db, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.ProviderEndpoint{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	endpoint := models.ProviderEndpoint{
		VendorID:     7,
		ProviderType: models.ProviderTypeAnthropic,
		BaseURL:      "https://up.example.com",
		Weight:       1,
		IsEnabled:    false,
	}
	if errCreate := db.Create(&endpoint).Error; errCreate != nil {
		t.Fatalf("seed endpoint: %v", errCreate)
	}

	var stored models.ProviderEndpoint
	if errFind := db.Take(&stored, endpoint.ID).Error; errFind != nil {
		t.Fatalf("read back: %v", errFind)
	}
	if stored.IsEnabled {
		t.Fatalf("disabled endpoint persisted as enabled")
	}

	r := New(NewGormEndpointRepository(db), testBreakers())
	_, errResolve := r.Resolve(context.Background(), &RouteContext{}, vendorProvider(7))
	var routeErr *RouteError
	if !errors.As(errResolve, &routeErr) || routeErr.Kind != KindNoEnabledEndpoints {
		t.Fatalf("expected no_enabled_endpoints route error, got %v", errResolve)
	}
}
