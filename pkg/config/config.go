package config

import (
	"fmt"
	"time"

	"duocall-backend/pkg/env"
)

// Config holds all configuration for the call agent
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Push     PushConfig
	Identity IdentityConfig
	Call     CallConfig
	JWT      JWTConfig
	Log      LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string

	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
}

// DatabaseConfig holds CockroachDB configuration for call history
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host                string
	Port                int
	Password            string
	DB                  int
	PoolSize            int
	Timeout             time.Duration
	HealthCheckInterval time.Duration
}

// PushConfig selects the push notification provider
type PushConfig struct {
	Provider                string // firebase, mock
	FirebaseProjectID       string
	FirebaseCredentialsPath string
	SendTimeout             time.Duration
}

// IdentityConfig names the local user and the one partner they can call
type IdentityConfig struct {
	SelfID      string
	SelfName    string
	PartnerID   string
	PartnerName string

	// Presence reports the partner as connected only while their agent
	// heartbeats in Redis
	Presence         bool
	PresenceInterval time.Duration
}

// CallConfig holds call lifecycle tuning
type CallConfig struct {
	DeleteGracePeriod    time.Duration
	CloseTimeout         time.Duration // bounds waiting for grace periods on shutdown
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	QualityInterval      time.Duration
	RingTimeout          time.Duration // 0 disables
	TickInterval         time.Duration
	ICEServers           []string
	ICEDisconnectedAfter time.Duration
	ICEFailedAfter       time.Duration
	ICEKeepAlive         time.Duration
	MediaProvider        string // static, device
	VideoBitRate         int
	MaxVideoWidth        int
	MaxVideoHeight       int
	SignalingTTL         time.Duration // 0 keeps records until deleted
	TracePion            bool
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8085),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-agent"),
			CORSAllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS",
				[]string{"http://localhost:3000", "http://localhost:8080"}),
			RateLimitRequests: env.GetInt("RATE_LIMIT_REQUESTS", 120),
			RateLimitWindow:   env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Database: DatabaseConfig{
			Enabled:  env.GetBool("DB_ENABLED", true),
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "duocall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 10),
			MinConns: env.GetInt("DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Host:                env.GetString("REDIS_HOST", "localhost"),
			Port:                env.GetInt("REDIS_PORT", 6379),
			Password:            env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:                  env.GetInt("REDIS_DB", 0),
			PoolSize:            env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:             env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
			HealthCheckInterval: env.GetDuration("REDIS_HEALTH_INTERVAL", 10*time.Second),
		},
		Push: PushConfig{
			Provider:                env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID:       env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
			FirebaseCredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
			SendTimeout:             env.GetDuration("PUSH_SEND_TIMEOUT", 10*time.Second),
		},
		Identity: IdentityConfig{
			SelfID:           env.GetString("SELF_USER_ID", ""),
			SelfName:         env.GetString("SELF_DISPLAY_NAME", ""),
			PartnerID:        env.GetString("PARTNER_USER_ID", ""),
			PartnerName:      env.GetString("PARTNER_DISPLAY_NAME", ""),
			Presence:         env.GetBool("PRESENCE_ENABLED", true),
			PresenceInterval: env.GetDuration("PRESENCE_INTERVAL", 30*time.Second),
		},
		Call: CallConfig{
			DeleteGracePeriod:    env.GetDuration("CALL_DELETE_GRACE", 5*time.Second),
			CloseTimeout:         env.GetDuration("CALL_CLOSE_TIMEOUT", 10*time.Second),
			MaxReconnectAttempts: env.GetInt("CALL_MAX_RECONNECT_ATTEMPTS", 3),
			ReconnectBackoff:     env.GetDuration("CALL_RECONNECT_BACKOFF", 2*time.Second),
			QualityInterval:      env.GetDuration("CALL_QUALITY_INTERVAL", 5*time.Second),
			RingTimeout:          env.GetDuration("CALL_RING_TIMEOUT", 45*time.Second),
			TickInterval:         env.GetDuration("CALL_TICK_INTERVAL", time.Second),
			ICEServers:           env.GetStringSlice("CALL_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			ICEDisconnectedAfter: env.GetDuration("CALL_ICE_DISCONNECTED_TIMEOUT", 30*time.Second),
			ICEFailedAfter:       env.GetDuration("CALL_ICE_FAILED_TIMEOUT", 120*time.Second),
			ICEKeepAlive:         env.GetDuration("CALL_ICE_KEEPALIVE", 2*time.Second),
			MediaProvider:        env.GetString("CALL_MEDIA_PROVIDER", "static"),
			VideoBitRate:         env.GetInt("CALL_VIDEO_BITRATE", 1_500_000),
			MaxVideoWidth:        env.GetInt("CALL_VIDEO_MAX_WIDTH", 640),
			MaxVideoHeight:       env.GetInt("CALL_VIDEO_MAX_HEIGHT", 480),
			SignalingTTL:         env.GetDuration("CALL_SIGNALING_TTL", 6*time.Hour),
			TracePion:            env.GetBool("CALL_TRACE_PION", false),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-agent.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether the agent runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Identity.SelfID == "" {
		return fmt.Errorf("SELF_USER_ID must be set")
	}
	if c.Identity.PartnerID != "" && c.Identity.PartnerID == c.Identity.SelfID {
		return fmt.Errorf("PARTNER_USER_ID must differ from SELF_USER_ID")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.Server.RateLimitRequests < 1 || c.Server.RateLimitWindow < time.Second {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive and RATE_LIMIT_WINDOW at least 1s")
	}

	if c.Identity.Presence && c.Identity.PresenceInterval <= 0 {
		return fmt.Errorf("PRESENCE_INTERVAL must be positive")
	}

	if c.Call.MaxReconnectAttempts < 1 {
		return fmt.Errorf("CALL_MAX_RECONNECT_ATTEMPTS must be at least 1")
	}
	if c.Call.DeleteGracePeriod < 0 || c.Call.CloseTimeout < 0 || c.Call.RingTimeout < 0 || c.Call.ReconnectBackoff < 0 || c.Call.SignalingTTL < 0 {
		return fmt.Errorf("call durations must not be negative")
	}
	if c.Call.TickInterval <= 0 || c.Call.QualityInterval <= 0 {
		return fmt.Errorf("CALL_TICK_INTERVAL and CALL_QUALITY_INTERVAL must be positive")
	}
	switch c.Push.Provider {
	case "firebase", "mock":
	default:
		return fmt.Errorf("unknown PUSH_PROVIDER %q", c.Push.Provider)
	}
	switch c.Call.MediaProvider {
	case "static", "device":
	default:
		return fmt.Errorf("unknown CALL_MEDIA_PROVIDER %q", c.Call.MediaProvider)
	}

	if c.IsProduction() {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}

	return nil
}
