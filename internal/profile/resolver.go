// Package profile enriches a connecting identity before it enters a room.
package profile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-chessroom/internal/obslog"
	"github.com/park285/cheese-chessroom/internal/record"
	"github.com/park285/cheese-chessroom/internal/room"
)

const defaultAvatarTTL = 10 * time.Minute

// AvatarSource returns a displayable avatar URL, or "" when the user has none.
type AvatarSource interface {
	Avatar(ctx context.Context, userID string) (string, error)
}

type ProfileStore interface {
	UpsertProfile(ctx context.Context, p record.UserProfile) error
}

type cachedAvatar struct {
	url     string
	expires time.Time
}

// Resolver implements room.ProfileResolver. Both collaborators are optional.
type Resolver struct {
	avatars AvatarSource
	store   ProfileStore
	logger  *zap.Logger
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedAvatar
}

func NewResolver(avatars AvatarSource, store ProfileStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = obslog.L()
	}
	return &Resolver{
		avatars: avatars,
		store:   store,
		logger:  logger,
		ttl:     defaultAvatarTTL,
		cache:   make(map[string]cachedAvatar),
	}
}

// Resolve stores the profile and attaches an avatar. Lookup failures are
// logged and the identity is returned as provided.
func (r *Resolver) Resolve(ctx context.Context, user room.User) (room.User, error) {
	if r.store != nil {
		err := r.store.UpsertProfile(ctx, record.UserProfile{
			ID:           user.ID,
			FullName:     user.FullName,
			Username:     user.Username,
			LanguageCode: user.LanguageCode,
		})
		if err != nil {
			r.logger.Warn("profile_upsert_error", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	if r.avatars == nil || user.AvatarURL != "" {
		return user, nil
	}
	if url, ok := r.cached(user.ID); ok {
		user.AvatarURL = url
		return user, nil
	}
	url, err := r.avatars.Avatar(ctx, user.ID)
	if err != nil {
		r.logger.Warn("profile_avatar_error", zap.String("user_id", user.ID), zap.Error(err))
		return user, nil
	}
	r.remember(user.ID, url)
	user.AvatarURL = url
	return user, nil
}

func (r *Resolver) cached(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[id]
	if !ok {
		return "", false
	}
	if time.Now().After(c.expires) {
		delete(r.cache, id)
		return "", false
	}
	return c.url, true
}

func (r *Resolver) remember(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[id] = cachedAvatar{url: url, expires: time.Now().Add(r.ttl)}
}
