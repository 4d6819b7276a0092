package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"duocall-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
	Name() string
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal
	Sound       string            `json:"sound,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
	// Silent notifications carry data only and show nothing to the user
	Silent bool `json:"silent,omitempty"`
	// TTL bounds how long the push service keeps trying to deliver
	TTL time.Duration `json:"ttl,omitempty"`
}

// Notification types carried in Data["type"]
const (
	TypeIncomingCall = "incoming_call"
	TypeCallRemoved  = "call_removed"
	TypeMissedCall   = "missed_call"
)

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID     string `json:"call_id"`
	CallerID   string `json:"caller_id"`
	CallerName string `json:"caller_name"`
	CallType   string `json:"call_type"`
	Timestamp  int64  `json:"timestamp"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service, bridged by Firebase
	TokenTypeWeb  TokenType = "web"  // Web Push
)

// Valid reports whether t is a known token type
func (t TokenType) Valid() bool {
	return t == TokenTypeFCM || t == TokenTypeAPNs || t == TokenTypeWeb
}

// Token represents a push notification token for a user
type Token struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID string) ([]*Token, error)
	// GetByToken returns nil, nil for an unknown token
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, userID, token string) error
	MarkInactive(ctx context.Context, token string) error
}

// Observer is told about every delivery attempt
type Observer interface {
	RecordPushNotification(notifType, platform string)
	RecordPushNotificationFailure(notifType, platform string)
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	observer Observer
}

// NewService creates a new push notification service. observer may be nil.
func NewService(provider Provider, repo TokenRepository, observer Observer) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		observer: observer,
	}
}

// RegisterToken registers a push notification token for a user, reactivating
// it when already known
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	if token.UserID == "" || token.Token == "" {
		return fmt.Errorf("user id and token are required")
	}
	if !token.Type.Valid() {
		return fmt.Errorf("invalid token type %q", token.Type)
	}

	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err != nil {
		return err
	}
	if existing != nil && existing.UserID == token.UserID {
		existing.Active = true
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		existing.Type = token.Type
		return s.repo.Update(ctx, existing)
	}
	if existing != nil {
		// The device changed hands; drop it from the previous owner
		if err := s.repo.Delete(ctx, existing.UserID, existing.Token); err != nil {
			return err
		}
	}

	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, userID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// GetTokensByUserID retrieves all tokens for a user
func (s *Service) GetTokensByUserID(ctx context.Context, userID string) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// SendCallNotification rings the callee's devices
func (s *Service) SendCallNotification(ctx context.Context, data *CallNotificationData, calleeID string) error {
	name := data.CallerName
	if name == "" {
		name = "Your partner"
	}
	title := "Incoming Call"
	if data.CallType == "video" {
		title = "Incoming Video Call"
	}

	notification := &Notification{
		Title:    title,
		Body:     fmt.Sprintf("%s is calling you", name),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		TTL:      time.Minute,
		Data: map[string]string{
			"type":        TypeIncomingCall,
			"call_id":     data.CallID,
			"caller_id":   data.CallerID,
			"caller_name": data.CallerName,
			"call_type":   data.CallType,
			"timestamp":   fmt.Sprintf("%d", data.Timestamp),
		},
	}
	return s.sendToUser(ctx, notification, calleeID, data.CallID)
}

// SendCallRemovedNotification tells the user's devices to stop ringing
func (s *Service) SendCallRemovedNotification(ctx context.Context, callID, userID string) error {
	notification := &Notification{
		Priority: "high",
		Silent:   true,
		TTL:      time.Minute,
		Data: map[string]string{
			"type":    TypeCallRemoved,
			"call_id": callID,
		},
	}
	return s.sendToUser(ctx, notification, userID, callID)
}

// SendMissedCallNotification sends a notification for a call nobody answered
func (s *Service) SendMissedCallNotification(ctx context.Context, data *CallNotificationData, calleeID string) error {
	name := data.CallerName
	if name == "" {
		name = "your partner"
	}
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", name),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":        TypeMissedCall,
			"call_id":     data.CallID,
			"caller_id":   data.CallerID,
			"caller_name": data.CallerName,
			"call_type":   data.CallType,
		},
	}
	return s.sendToUser(ctx, notification, calleeID, data.CallID)
}

func (s *Service) sendToUser(ctx context.Context, notification *Notification, userID, callID string) error {
	notifType := notification.Data["type"]

	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("No active push tokens",
			zap.String("user_id", userID),
			zap.String("type", notifType))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		s.recordFailure(notifType)
		logger.Error("Failed to send push notification",
			zap.String("call_id", callID),
			zap.String("type", notifType),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send %s notification: %w", notifType, err)
	}

	if s.observer != nil {
		for i := 0; i < result.SuccessCount; i++ {
			s.observer.RecordPushNotification(notifType, s.provider.Name())
		}
	}
	for i := 0; i < result.FailureCount; i++ {
		s.recordFailure(notifType)
	}

	logger.Info("Push notification sent",
		zap.String("call_id", callID),
		zap.String("type", notifType),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}
	return nil
}

func (s *Service) recordFailure(notifType string) {
	if s.observer != nil {
		s.observer.RecordPushNotificationFailure(notifType, s.provider.Name())
	}
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, token := range invalidTokens {
		if err := s.repo.MarkInactive(ctx, token); err != nil {
			logger.Warn("Failed to mark token as inactive", zap.Error(err))
		}
	}
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("type", notification.Data["type"]),
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Name implements Provider interface
func (m *MockProvider) Name() string {
	return string(ProviderTypeMock)
}

// Sent returns the notifications sent so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
