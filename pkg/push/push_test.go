package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func newMemRepo() *memRepo {
	return &memRepo{tokens: make(map[string]*Token)}
}

func (r *memRepo) Store(ctx context.Context, token *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *token
	r.tokens[token.Token] = &cp
	return nil
}

func (r *memRepo) GetByUserID(ctx context.Context, userID string) ([]*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Token
	for _, t := range r.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) GetByToken(ctx context.Context, token string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *memRepo) Update(ctx context.Context, token *Token) error {
	return r.Store(ctx, token)
}

func (r *memRepo) Delete(ctx context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[token]; ok && t.UserID == userID {
		delete(r.tokens, token)
	}
	return nil
}

func (r *memRepo) MarkInactive(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[token]; ok {
		t.Active = false
	}
	return nil
}

type mockObserver struct {
	mock.Mock
}

func (o *mockObserver) RecordPushNotification(notifType, platform string) {
	o.Called(notifType, platform)
}

func (o *mockObserver) RecordPushNotificationFailure(notifType, platform string) {
	o.Called(notifType, platform)
}

type scriptedProvider struct {
	result *SendResult
	err    error
	tokens []string
}

func (p *scriptedProvider) Send(ctx context.Context, n *Notification, tokens []string) (*SendResult, error) {
	p.tokens = append([]string(nil), tokens...)
	return p.result, p.err
}

func (p *scriptedProvider) Name() string { return "scripted" }

func register(t *testing.T, svc *Service, userID, token string) {
	t.Helper()
	require.NoError(t, svc.RegisterToken(context.Background(), &Token{
		UserID: userID,
		Token:  token,
		Type:   TokenTypeFCM,
	}))
}

func TestRegisterToken_Validation(t *testing.T) {
	svc := NewService(&MockProvider{}, newMemRepo(), nil)
	ctx := context.Background()

	assert.Error(t, svc.RegisterToken(ctx, &Token{Token: "t", Type: TokenTypeFCM}))
	assert.Error(t, svc.RegisterToken(ctx, &Token{UserID: "bob", Type: TokenTypeFCM}))
	assert.Error(t, svc.RegisterToken(ctx, &Token{UserID: "bob", Token: "t", Type: "carrier-pigeon"}))
}

func TestRegisterToken_ReactivatesAndHandsOver(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(&MockProvider{}, repo, nil)
	ctx := context.Background()

	register(t, svc, "bob", "device-1")
	require.NoError(t, repo.MarkInactive(ctx, "device-1"))

	register(t, svc, "bob", "device-1")
	tok, err := repo.GetByToken(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, tok.Active)

	register(t, svc, "alice", "device-1")
	bobs, err := svc.GetTokensByUserID(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobs)
	alices, err := svc.GetTokensByUserID(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alices, 1)
	assert.True(t, alices[0].Active)
}

func TestSendCallNotification_ReachesActiveTokens(t *testing.T) {
	repo := newMemRepo()
	provider := &MockProvider{}
	obs := &mockObserver{}
	obs.On("RecordPushNotification", TypeIncomingCall, "mock").Return().Twice()
	svc := NewService(provider, repo, obs)
	ctx := context.Background()

	register(t, svc, "bob", "device-1")
	register(t, svc, "bob", "device-2")
	register(t, svc, "bob", "device-3")
	require.NoError(t, repo.MarkInactive(ctx, "device-3"))

	err := svc.SendCallNotification(ctx, &CallNotificationData{
		CallID:     "call-1",
		CallerID:   "alice",
		CallerName: "Alice",
		CallType:   "video",
	}, "bob")
	require.NoError(t, err)

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Incoming Video Call", sent[0].Title)
	assert.Equal(t, "Alice is calling you", sent[0].Body)
	assert.Equal(t, "high", sent[0].Priority)
	assert.Equal(t, "call-1", sent[0].Data["call_id"])
	assert.Equal(t, TypeIncomingCall, sent[0].Data["type"])
	obs.AssertExpectations(t)
}

func TestSend_NoTokensIsNotAnError(t *testing.T) {
	provider := &MockProvider{}
	svc := NewService(provider, newMemRepo(), nil)

	require.NoError(t, svc.SendCallRemovedNotification(context.Background(), "call-1", "bob"))
	assert.Empty(t, provider.Sent())
}

func TestSend_InvalidTokensMarkedInactive(t *testing.T) {
	repo := newMemRepo()
	provider := &scriptedProvider{result: &SendResult{
		SuccessCount:  1,
		FailureCount:  1,
		InvalidTokens: []string{"stale"},
	}}
	obs := &mockObserver{}
	obs.On("RecordPushNotification", TypeMissedCall, "scripted").Return().Once()
	obs.On("RecordPushNotificationFailure", TypeMissedCall, "scripted").Return().Once()
	svc := NewService(provider, repo, obs)
	ctx := context.Background()

	register(t, svc, "bob", "fresh")
	register(t, svc, "bob", "stale")

	require.NoError(t, svc.SendMissedCallNotification(ctx, &CallNotificationData{CallID: "call-1"}, "bob"))
	assert.ElementsMatch(t, []string{"fresh", "stale"}, provider.tokens)

	stale, err := repo.GetByToken(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, stale.Active)
	fresh, err := repo.GetByToken(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.Active)
	obs.AssertExpectations(t)
}

func TestSend_ProviderErrorIsReported(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("quota exceeded")}
	obs := &mockObserver{}
	obs.On("RecordPushNotificationFailure", TypeCallRemoved, "scripted").Return().Once()
	svc := NewService(provider, newMemRepo(), obs)

	register(t, svc, "bob", "device-1")
	err := svc.SendCallRemovedNotification(context.Background(), "call-1", "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	obs.AssertExpectations(t)
}

func TestBuildMessage(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("ringing", func(t *testing.T) {
		msg := buildMessage(&Notification{
			Title:    "Incoming Call",
			Body:     "Alice is calling you",
			Priority: "high",
			Sound:    "default",
			Category: "INCOMING_CALL",
			TTL:      time.Minute,
			Data:     map[string]string{"type": TypeIncomingCall, "call_id": "call-1"},
		}, "device-1", now)

		assert.Equal(t, "device-1", msg.Token)
		assert.Equal(t, "high", msg.Android.Priority)
		require.NotNil(t, msg.Android.TTL)
		assert.Equal(t, time.Minute, *msg.Android.TTL)
		require.NotNil(t, msg.Android.Notification)
		assert.Equal(t, "Incoming Call", msg.Android.Notification.Title)
		assert.Equal(t, "10", msg.APNS.Headers["apns-priority"])
		assert.Equal(t, "1700000060", msg.APNS.Headers["apns-expiration"])
		assert.Equal(t, "INCOMING_CALL", msg.APNS.Payload.Aps.Category)
		require.NotNil(t, msg.Webpush)
		assert.Equal(t, "call-1", msg.Data["call_id"])
		assert.Equal(t, "1700000000", msg.Data["timestamp"])
	})

	t.Run("silent", func(t *testing.T) {
		msg := buildMessage(&Notification{
			Priority: "high",
			Silent:   true,
			Data:     map[string]string{"type": TypeCallRemoved},
		}, "device-1", now)

		assert.Nil(t, msg.Android.Notification)
		assert.Nil(t, msg.Webpush)
		assert.True(t, msg.APNS.Payload.Aps.ContentAvailable)
		assert.Equal(t, "background", msg.APNS.Headers["apns-push-type"])
		assert.Equal(t, "5", msg.APNS.Headers["apns-priority"])
		assert.NotContains(t, msg.Data, "title")
	})
}

func TestNewProvider(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	ctx := context.Background()

	p, err := NewProvider(ctx, ProviderConfig{Type: ProviderTypeMock})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())

	p, err = NewProvider(ctx, ProviderConfig{Type: ProviderTypeFirebase, ProjectID: "duocall"})
	require.NoError(t, err)
	fb, ok := p.(*FirebaseProvider)
	require.True(t, ok)
	assert.False(t, fb.IsInitialized())
	assert.Equal(t, "duocall", fb.GetProjectID())

	res, err := fb.Send(ctx, &Notification{Data: map[string]string{"type": TypeIncomingCall}}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)

	_, err = NewProvider(ctx, ProviderConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)
}
