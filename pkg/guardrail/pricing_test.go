package guardrail

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/rs/zerolog"
)

// countingSource counts Price calls and can be made to fail.
type countingSource struct {
	calls int32
	price float64
	fail  atomic.Bool
	delay time.Duration
}

func (s *countingSource) Price(ctx context.Context, instanceType string) (float64, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		return 0, errors.New("pricing unavailable")
	}
	return s.price, nil
}

func TestPriceCacheMemoizes(t *testing.T) {
	src := &countingSource{price: 3.0, delay: 20 * time.Millisecond}
	cache := newPriceCache(src, DefaultPricing, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, known := cache.lookup(context.Background(), "ml.m5.large"); p != 3.0 || !known {
				t.Errorf("Expected 3.0 known, got %v %v", p, known)
			}
		}()
	}
	wg.Wait()

	if _, known := cache.lookup(context.Background(), "ml.m5.large"); !known {
		t.Error("Expected cached price to be known")
	}
	if calls := atomic.LoadInt32(&src.calls); calls != 1 {
		t.Errorf("Expected 1 source call, got %d", calls)
	}

	cache.reset()
	cache.lookup(context.Background(), "ml.m5.large")
	if calls := atomic.LoadInt32(&src.calls); calls != 2 {
		t.Errorf("Expected reset to force a new lookup, got %d calls", calls)
	}
}

func TestPriceCacheFailuresFallBack(t *testing.T) {
	src := &countingSource{price: 9.0}
	src.fail.Store(true)
	cache := newPriceCache(src, DefaultPricing, zerolog.Nop())

	if p, known := cache.lookup(context.Background(), "ml.g5.xlarge"); p != 1.408 || !known {
		t.Errorf("Expected static fallback 1.408, got %v %v", p, known)
	}
	if p, known := cache.lookup(context.Background(), "ml.x1.huge"); p != DefaultUnitPrice || known {
		t.Errorf("Expected default unknown price, got %v %v", p, known)
	}

	src.fail.Store(false)
	if p, _ := cache.lookup(context.Background(), "ml.g5.xlarge"); p != 9.0 {
		t.Errorf("Expected failure not to be cached, got %v", p)
	}
}

// fakePricing returns canned price list documents.
type fakePricing struct {
	priceList []string
	err       error
	input     *pricing.GetProductsInput
}

func (f *fakePricing) GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &pricing.GetProductsOutput{PriceList: f.priceList}, nil
}

const g5Product = `{
  "product": {"attributes": {"instanceType": "ml.g5.xlarge"}},
  "terms": {"OnDemand": {"ABC.JRTCKXETXF": {"priceDimensions": {
    "ABC.JRTCKXETXF.6YS6EN2CT7": {"unit": "Hrs", "pricePerUnit": {"USD": "1.4080000000"}}
  }}}}
}`

func TestAWSPriceSource(t *testing.T) {
	client := &fakePricing{priceList: []string{"not json", g5Product}}
	src := NewAWSPriceSource(client, "us-west-2")

	p, err := src.Price(context.Background(), "ml.g5.xlarge")
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if p != 1.408 {
		t.Errorf("Expected 1.408, got %v", p)
	}

	if aws.ToString(client.input.ServiceCode) != "AmazonSageMaker" {
		t.Errorf("Unexpected service code %s", aws.ToString(client.input.ServiceCode))
	}
	filters := map[string]string{}
	for _, f := range client.input.Filters {
		filters[aws.ToString(f.Field)] = aws.ToString(f.Value)
	}
	if filters["location"] != "US West (Oregon)" || filters["operation"] != "OnDemand" || filters["instanceType"] != "ml.g5.xlarge" {
		t.Errorf("Unexpected filters: %v", filters)
	}
	if aws.ToInt32(client.input.MaxResults) != 1 {
		t.Errorf("Expected MaxResults 1, got %d", aws.ToInt32(client.input.MaxResults))
	}
}

func TestAWSPriceSourceErrors(t *testing.T) {
	src := NewAWSPriceSource(&fakePricing{}, "us-east-1")
	if _, err := src.Price(context.Background(), "ml.g5.xlarge"); !errors.Is(err, ErrUnknownInstanceType) {
		t.Errorf("Expected ErrUnknownInstanceType for empty price list, got %v", err)
	}

	src = NewAWSPriceSource(&fakePricing{err: errors.New("AccessDenied")}, "us-east-1")
	if _, err := src.Price(context.Background(), "ml.g5.xlarge"); err == nil || errors.Is(err, ErrUnknownInstanceType) {
		t.Errorf("Expected API error, got %v", err)
	}
}

func TestRegionToLocation(t *testing.T) {
	tests := map[string]string{
		"us-east-1":    "US East (N. Virginia)",
		"us-east-2":    "US East (Ohio)",
		"us-west-2":    "US West (Oregon)",
		"eu-central-1": "US East (N. Virginia)",
	}
	for region, want := range tests {
		if got := regionToLocation(region); got != want {
			t.Errorf("%s: expected %s, got %s", region, want, got)
		}
	}
}

func TestFilePriceSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	if err := os.WriteFile(path, []byte("ml.m5.large: 0.2\nml.g5.xlarge: 1.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := NewFilePriceSource(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFilePriceSource failed: %v", err)
	}
	if p, err := src.Price(context.Background(), "ml.m5.large"); err != nil || p != 0.2 {
		t.Errorf("Expected 0.2, got %v (err=%v)", p, err)
	}
	if _, err := src.Price(context.Background(), "ml.p5.48xlarge"); !errors.Is(err, ErrUnknownInstanceType) {
		t.Errorf("Expected ErrUnknownInstanceType, got %v", err)
	}

	if err := os.WriteFile(path, []byte("ml.m5.large: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := src.Reload(); err == nil {
		t.Error("Expected error for negative price")
	}
	if p, _ := src.Price(context.Background(), "ml.m5.large"); p != 0.2 {
		t.Errorf("Expected previous prices to survive a bad reload, got %v", p)
	}

	if _, err := NewFilePriceSource(filepath.Join(t.TempDir(), "missing.yaml"), zerolog.Nop()); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestFilePriceSourceWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	if err := os.WriteFile(path, []byte("ml.m5.large: 0.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := NewFilePriceSource(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFilePriceSource failed: %v", err)
	}

	svc := NewService(zerolog.Nop(), Options{PriceSource: src})
	cfg := config("ml.m5.large", 1, 15)
	if cost := svc.EstimateCost(context.Background(), cfg); cost != 0.2 {
		t.Fatalf("Expected 0.2, got %v", cost)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 4)
	if err := src.Watch(ctx, func() {
		svc.InvalidatePrices()
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("ml.m5.large: 0.3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for price reload")
	}

	if cost := svc.EstimateCost(context.Background(), cfg); cost != 0.3 {
		t.Errorf("Expected reloaded price 0.3, got %v", cost)
	}
}
