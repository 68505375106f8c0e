// Package calculation memoizes deterministic tax computations through the
// computation cache.
package calculation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/crypto"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/logging"
)

// ComputeFunc produces the result for a set of inputs. It must be pure: the
// same inputs always give the same result.
type ComputeFunc func(ctx context.Context) (any, error)

// Service serves computation results from the cache, computing and storing
// them on a miss. Concurrent misses for the same inputs share one
// computation.
type Service struct {
	cache  ports.ComputationCache
	logger *logging.Logger
	group  singleflight.Group
}

// NewService creates a calculation service. A nil cache computes every time.
func NewService(cache ports.ComputationCache, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{cache: cache, logger: logger}
}

// GetCachedOrCompute returns the cached result for inputs or runs compute and
// caches what it returns. cached reports whether compute was skipped. A
// failure to write the cache is logged and does not fail the call.
func (s *Service) GetCachedOrCompute(ctx context.Context, inputs any, compute ComputeFunc) (result json.RawMessage, cached bool, err error) {
	if s.cache == nil {
		result, err = run(ctx, compute)
		return result, false, err
	}

	result, found, err := s.cache.Lookup(ctx, inputs)
	if err != nil {
		return nil, false, err
	}
	if found {
		return result, true, nil
	}

	key, err := crypto.ContentHash(inputs)
	if err != nil {
		return nil, false, fmt.Errorf("hashing inputs: %w", err)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		computed, err := run(ctx, compute)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Store(ctx, inputs, computed); err != nil {
			s.logger.WarnContext(ctx, "caching computation result failed", "cache_key", key, "error", err)
		}
		return computed, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(json.RawMessage), false, nil
}

// Compute is the typed form of GetCachedOrCompute. Cached results are
// decoded into T.
func Compute[T any](ctx context.Context, s *Service, inputs any, compute func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	raw, cached, err := s.GetCachedOrCompute(ctx, inputs, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		return zero, false, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false, fmt.Errorf("decoding cached result: %w", err)
	}
	return out, cached, nil
}

func run(ctx context.Context, compute ComputeFunc) (json.RawMessage, error) {
	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	switch r := v.(type) {
	case json.RawMessage:
		if !json.Valid(r) {
			return nil, errors.New("computation returned invalid JSON")
		}
		return r, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding computation result: %w", err)
		}
		return data, nil
	}
}
