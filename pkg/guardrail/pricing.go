package guardrail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultUnitPrice is the hourly price assumed for unknown instance types.
const DefaultUnitPrice = 1.0

// ErrUnknownInstanceType is returned by a PriceSource that has no price for
// an instance type.
var ErrUnknownInstanceType = errors.New("unknown instance type")

// DefaultPricing holds on-demand hourly prices in USD.
var DefaultPricing = map[string]float64{
	"ml.m5.large":    0.115,
	"ml.m5.xlarge":   0.230,
	"ml.m5.2xlarge":  0.460,
	"ml.g5.xlarge":   1.408,
	"ml.g5.2xlarge":  2.816,
	"ml.g5.4xlarge":  5.632,
	"ml.g5.12xlarge": 16.896,
	"ml.p5.48xlarge": 71.296,
}

// PriceSource returns the hourly USD price of one instance.
type PriceSource interface {
	Price(ctx context.Context, instanceType string) (float64, error)
}

// StaticPriceSource serves prices from a fixed table.
type StaticPriceSource map[string]float64

// Price implements PriceSource.
func (s StaticPriceSource) Price(ctx context.Context, instanceType string) (float64, error) {
	if p, ok := s[instanceType]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownInstanceType, instanceType)
}

// FilePriceSource serves prices from a YAML file mapping instance types to
// hourly prices:
//
//	ml.m5.large: 0.115
//	ml.g5.xlarge: 1.408
type FilePriceSource struct {
	path   string
	logger zerolog.Logger

	mu     sync.RWMutex
	prices map[string]float64
}

// NewFilePriceSource loads a price file.
func NewFilePriceSource(path string, logger zerolog.Logger) (*FilePriceSource, error) {
	s := &FilePriceSource{
		path:   path,
		logger: logger.With().Str("component", "price-file").Logger(),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Price implements PriceSource.
func (s *FilePriceSource) Price(ctx context.Context, instanceType string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.prices[instanceType]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownInstanceType, instanceType)
}

// Reload re-reads the file. A bad file leaves the current prices in place.
func (s *FilePriceSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read price file: %w", err)
	}

	prices := make(map[string]float64)
	if err := yaml.Unmarshal(data, &prices); err != nil {
		return fmt.Errorf("failed to parse price file: %w", err)
	}
	if len(prices) == 0 {
		return fmt.Errorf("price file %s has no prices", s.path)
	}
	for instanceType, p := range prices {
		if p <= 0 {
			return fmt.Errorf("price for %s must be positive, got %v", instanceType, p)
		}
	}

	s.mu.Lock()
	s.prices = prices
	s.mu.Unlock()

	s.logger.Debug().Str("path", s.path).Int("prices", len(prices)).Msg("Price file loaded")
	return nil
}

// Watch reloads the file when it changes and calls onChange after each
// successful reload. Watching stops when ctx is done.
func (s *FilePriceSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch price file: %w", err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn().Err(err).Msg("Keeping previous prices")
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error().Err(err).Msg("Watcher error")
			}
		}
	}()

	return nil
}
