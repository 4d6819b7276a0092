package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"duocall-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock     ProviderType = "mock"
	ProviderTypeFirebase ProviderType = "firebase"
)

// ProviderConfig selects and configures a provider
type ProviderConfig struct {
	Type            ProviderType
	ProjectID       string
	CredentialsPath string
}

// NewProvider creates the push notification provider named by cfg
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(cfg.Type)))

	switch cfg.Type {
	case ProviderTypeFirebase:
		return NewFirebaseProvider(ctx, cfg.ProjectID, cfg.CredentialsPath), nil
	case ProviderTypeMock, "":
		logger.Info("Using mock push notification provider")
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Type)
	}
}
