package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"duocall-backend/pkg/constants"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *redis.Client
	now    func() time.Time
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
		now:    time.Now,
	}
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID string) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores a push notification token and adds it to its owner's set
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	now := r.now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	userKey := userTokensKey(token.UserID)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry)
	pipe.SAdd(ctx, userKey, token.Token)
	pipe.Expire(ctx, userKey, constants.PushTokenExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("user_id", token.UserID),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value. It returns nil, nil when the
// token is unknown.
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// GetByUserID retrieves all tokens for a user. Set members whose token key
// expired are pruned.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*push.Token, error) {
	userKey := userTokensKey(userID)
	members, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	result := make([]*push.Token, 0, len(members))
	for _, tokenStr := range members {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		if token == nil || token.UserID != userID {
			r.client.SRem(ctx, userKey, tokenStr)
			continue
		}
		result = append(result, token)
	}

	return result, nil
}

// Update rewrites an existing token, keeping its remaining lifetime
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = r.now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.SetArgs(ctx, tokenKey(token.Token), data, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("Push token updated", zap.String("user_id", token.UserID))
	return nil
}

// Delete removes token from userID. Tokens owned by someone else are left alone.
func (r *PushTokenRepository) Delete(ctx context.Context, userID, tokenStr string) error {
	existing, err := r.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, userTokensKey(userID), tokenStr)
	if existing != nil && existing.UserID == userID {
		pipe.Del(ctx, tokenKey(tokenStr))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logger.Debug("Push token deleted", zap.String("user_id", userID))
	return nil
}

// MarkInactive flags a token the provider reported as invalid
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if token == nil || !token.Active {
		return nil
	}

	token.Active = false
	if err := r.Update(ctx, token); err != nil {
		return err
	}

	logger.Debug("Push token marked as inactive", zap.String("user_id", token.UserID))
	return nil
}

// GetActiveTokensCount returns the count of active tokens for a user
func (r *PushTokenRepository) GetActiveTokensCount(ctx context.Context, userID string) (int, error) {
	tokens, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, token := range tokens {
		if token.Active {
			count++
		}
	}
	return count, nil
}
