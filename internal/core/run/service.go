package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airscrapy/internal/platform/orchestrator"
	rds "airscrapy/internal/platform/redis"
)

// Cache is the subset of the redis service the store needs.
type Cache interface {
	CacheGet(ctx context.Context, key string, dest interface{}) error
	CacheSet(ctx context.Context, key string, val interface{}, ttl time.Duration) error
	Publish(ctx context.Context, channel, message string) error
}

// Service stores run state in Redis and announces every change on the run's key.
type Service struct{ redis Cache }

func NewRunService(redis Cache) *Service { return &Service{redis: redis} }

func (s *Service) Get(ctx context.Context, runID string) (*orchestrator.Run, error) {
	var r orchestrator.Run
	if err := s.redis.CacheGet(ctx, key(runID), &r); err != nil {
		if errors.Is(err, rds.Nil) {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, runID)
		}
		return nil, err
	}
	return &r, nil
}

func (s *Service) Save(ctx context.Context, r orchestrator.Run) error {
	if err := s.redis.CacheSet(ctx, key(r.RunID), r, ttl(r.Status)); err != nil {
		return err
	}
	// Listeners only need to know something changed
	_ = s.redis.Publish(ctx, key(r.RunID), string(r.Status))
	return nil
}

func key(id string) string { return "run:" + id }

func ttl(s orchestrator.RunStatus) time.Duration {
	if s.Finished() {
		return 24 * time.Hour
	}
	// Long enough to outlive queueing plus a slow crawl
	return 6 * time.Hour
}
