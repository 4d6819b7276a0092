package push

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"duocall-backend/pkg/logger"
)

// FirebaseProvider implements the Provider interface using Firebase Cloud Messaging
// It supports Android, iOS (via APNs bridge), and Web platforms
type FirebaseProvider struct {
	app         *firebase.App
	client      *messaging.Client
	projectID   string
	initialized bool
}

// NewFirebaseProvider creates a new Firebase push notification provider.
// Without readable credentials the provider logs and behaves like a mock.
func NewFirebaseProvider(ctx context.Context, projectID, credentialsPath string) *FirebaseProvider {
	if credentialsPath == "" {
		credentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if credentialsPath == "" {
		logger.Warn("Firebase credentials path not set, push notifications are mocked")
		return &FirebaseProvider{projectID: projectID}
	}

	// Read credentials file into memory (supports Docker secrets)
	credentials, err := os.ReadFile(credentialsPath)
	if err != nil {
		logger.Error("Failed to read Firebase credentials file", zap.Error(err))
		return &FirebaseProvider{projectID: projectID}
	}

	// Extract project ID from credentials if not provided
	if projectID == "" {
		var creds struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(credentials, &creds); err != nil {
			logger.Error("Failed to parse Firebase credentials", zap.Error(err))
			return &FirebaseProvider{}
		}
		projectID = creds.ProjectID
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithCredentialsJSON(credentials))
	if err != nil {
		logger.Error("Failed to initialize Firebase app", zap.Error(err))
		return &FirebaseProvider{projectID: projectID}
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		logger.Error("Failed to get Firebase messaging client",
			zap.String("project_id", projectID),
			zap.Error(err))
		return &FirebaseProvider{projectID: projectID}
	}

	logger.Info("Firebase Admin SDK initialized", zap.String("project_id", projectID))

	return &FirebaseProvider{
		app:         app,
		client:      client,
		projectID:   projectID,
		initialized: true,
	}
}

// Name implements the Provider interface
func (f *FirebaseProvider) Name() string {
	return string(ProviderTypeFirebase)
}

// Send implements the Provider interface
// Sends a notification to multiple device tokens
func (f *FirebaseProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	if !f.initialized {
		logger.Debug("FirebaseProvider not initialized, using mock behavior",
			zap.String("type", notification.Data["type"]),
			zap.Int("token_count", len(tokens)))
		return &SendResult{SuccessCount: len(tokens)}, nil
	}

	messages := make([]*messaging.Message, len(tokens))
	for i, token := range tokens {
		messages[i] = buildMessage(notification, token, time.Now())
	}

	response, err := f.client.SendEach(ctx, messages)
	if err != nil {
		return &SendResult{
			FailureCount: len(tokens),
			Errors:       []error{err},
		}, fmt.Errorf("firebase send failed: %w", err)
	}

	result := &SendResult{}
	for i, resp := range response.Responses {
		if resp.Success {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if resp.Error == nil {
			continue
		}
		result.Errors = append(result.Errors, resp.Error)
		if messaging.IsUnregistered(resp.Error) || errorutils.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}

	return result, nil
}

// buildMessage constructs a Firebase message from a notification
func buildMessage(notification *Notification, token string, now time.Time) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+3)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["timestamp"] = fmt.Sprintf("%d", now.Unix())

	android := &messaging.AndroidConfig{
		Data:     data,
		Priority: "normal",
	}
	if notification.Priority == "high" {
		android.Priority = "high"
	}
	if notification.TTL > 0 {
		ttl := notification.TTL
		android.TTL = &ttl
	}

	aps := &messaging.Aps{}
	apns := &messaging.APNSConfig{
		Payload: &messaging.APNSPayload{Aps: aps},
		Headers: map[string]string{},
	}
	if notification.TTL > 0 {
		apns.Headers["apns-expiration"] = fmt.Sprintf("%d", now.Add(notification.TTL).Unix())
	}

	msg := &messaging.Message{
		Data:    data,
		Android: android,
		APNS:    apns,
		Token:   token,
	}

	if notification.Silent {
		aps.ContentAvailable = true
		apns.Headers["apns-push-type"] = "background"
		apns.Headers["apns-priority"] = "5"
		return msg
	}

	data["title"] = notification.Title
	data["body"] = notification.Body

	android.Notification = &messaging.AndroidNotification{
		Title:       notification.Title,
		Body:        notification.Body,
		Sound:       notification.Sound,
		ClickAction: notification.ClickAction,
	}
	aps.Alert = &messaging.ApsAlert{
		Title: notification.Title,
		Body:  notification.Body,
	}
	aps.Sound = notification.Sound
	aps.Category = notification.Category
	if notification.Priority == "high" {
		apns.Headers["apns-priority"] = "10"
	}

	msg.Webpush = &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Title: notification.Title,
			Body:  notification.Body,
			Icon:  "/icon-192x192.png",
		},
		Data: data,
	}
	return msg
}

// IsInitialized returns whether the provider is properly initialized
func (f *FirebaseProvider) IsInitialized() bool {
	return f.initialized
}

// GetProjectID returns the Firebase project ID
func (f *FirebaseProvider) GetProjectID() string {
	return f.projectID
}
