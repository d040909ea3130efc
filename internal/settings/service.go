// Package settings serves the PricingSettings snapshot. Reads go through a
// short-TTL Redis cache so the snapshot is re-read on a defined cadence
// rather than cached indefinitely; the generation core treats it as
// eventually-consistent configuration.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atelierai/backend/internal/models"
)

const (
	cacheKey = "pricing_settings"
	cacheTTL = 30 * time.Second
)

// Getter is the repository subset the service needs.
type Getter interface {
	Get(ctx context.Context) (models.PricingSettings, error)
	Update(ctx context.Context, s models.PricingSettings) error
}

type Service struct {
	repo  Getter
	cache *redis.Client // optional; nil disables caching
	log   *slog.Logger
}

func NewService(repo Getter, cache *redis.Client, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, cache: cache, log: log}
}

// Current returns the settings snapshot, from cache when fresh. Cache
// failures fall through to the database; pricing must not depend on Redis
// being up.
func (s *Service) Current(ctx context.Context) (models.PricingSettings, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			var cached models.PricingSettings
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
				return cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.log.Warn("settings cache read failed", "error", err)
		}
	}
	fresh, err := s.repo.Get(ctx)
	if err != nil {
		return models.PricingSettings{}, err
	}
	s.fill(ctx, fresh)
	return fresh, nil
}

// Update writes new settings and invalidates the cache so the next read
// observes them immediately.
func (s *Service) Update(ctx context.Context, next models.PricingSettings) error {
	if err := s.repo.Update(ctx, next); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, cacheKey).Err(); err != nil {
			s.log.Warn("settings cache invalidation failed", "error", err)
		}
	}
	return nil
}

func (s *Service) fill(ctx context.Context, v models.PricingSettings) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, raw, cacheTTL).Err(); err != nil {
		s.log.Warn("settings cache write failed", "error", err)
	}
}
