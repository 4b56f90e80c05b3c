//go:build integration

package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"regpipe/internal/query"
	"regpipe/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *query.RedisCache
	ctx   context.Context
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.cache = query.NewRedisCache(s.redis.Client)
	s.ctx = context.Background()
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func (s *RedisCacheSuite) TestGetSetRoundTrip() {
	_, found, err := s.cache.Get(s.ctx, "regpipe:query:standard-vat-rate:0:2025-06-15")
	s.Require().NoError(err)
	s.False(found)

	payload := []byte(`[{"Value":"25"}]`)
	s.Require().NoError(s.cache.Set(s.ctx, "regpipe:query:standard-vat-rate:0:2025-06-15", payload, time.Minute))

	got, found, err := s.cache.Get(s.ctx, "regpipe:query:standard-vat-rate:0:2025-06-15")
	s.Require().NoError(err)
	s.True(found)
	s.Equal(payload, got)
}

func (s *RedisCacheSuite) TestEntriesExpire() {
	s.Require().NoError(s.cache.Set(s.ctx, "regpipe:query:ephemeral:0:2025-06-15", []byte("x"), 50*time.Millisecond))

	s.Require().Eventually(func() bool {
		_, found, err := s.cache.Get(s.ctx, "regpipe:query:ephemeral:0:2025-06-15")
		return err == nil && !found
	}, 2*time.Second, 25*time.Millisecond)
}

func (s *RedisCacheSuite) TestGenerationAdvancesOnInvalidate() {
	gen, err := s.cache.Generation(s.ctx, "standard-vat-rate")
	s.Require().NoError(err)
	s.Equal(int64(0), gen, "missing counter reads as zero")

	s.Require().NoError(s.cache.Invalidate(s.ctx, "standard-vat-rate"))
	s.Require().NoError(s.cache.Invalidate(s.ctx, "standard-vat-rate"))

	gen, err = s.cache.Generation(s.ctx, "standard-vat-rate")
	s.Require().NoError(err)
	s.Equal(int64(2), gen)

	// Other slugs are untouched.
	other, err := s.cache.Generation(s.ctx, "reduced-vat-rate")
	s.Require().NoError(err)
	s.Equal(int64(0), other)
}
