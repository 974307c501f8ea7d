package memory

import (
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// UserCache remembers recently verified user ids so repeat websocket
// authentications skip the database lookup.
type UserCache struct {
	cache *cache.Cache
}

func NewUserCache() *UserCache {
	// Default expiration of 5 minutes, purge of expired entries every 10.
	c := cache.New(5*time.Minute, 10*time.Minute)
	return &UserCache{
		cache: c,
	}
}

func (r *UserCache) MarkVerified(userId uuid.UUID) {
	r.cache.Set(userId.String(), struct{}{}, cache.DefaultExpiration)
}

func (r *UserCache) IsVerified(userId uuid.UUID) bool {
	_, found := r.cache.Get(userId.String())
	return found
}

func (r *UserCache) Forget(userId uuid.UUID) {
	r.cache.Delete(userId.String())
}
