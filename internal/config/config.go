package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (rate limiting for registration endpoints)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Web Push (VAPID)
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string // mailto: contact sent to push services

	// OneSignal aggregator
	OneSignalAppID  string
	OneSignalAPIKey string
	OneSignalAPIURL string
	// Broadcast to every subscribed user when no external IDs resolve.
	// Off by default: a targeted send must never widen silently.
	OneSignalAllowBroadcast bool

	// AWS SNS mobile push
	SNSRegion  string
	SNSEnabled bool

	// Live stream
	StreamQueueSize int // per-connection event queue capacity
	StreamKeepalive int // keepalive comment interval in seconds

	// Push dispatch
	DispatchTimeout int // deadline for one background dispatch in seconds

	// Identity header set by the authenticating reverse proxy
	IdentityHeader string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "tripbell",
		DBPassword: "",
		DBName:     "tripbell",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		VAPIDSubscriber: "mailto:push@tripbell.local",
		OneSignalAPIURL: "https://onesignal.com/api/v1/notifications",

		SNSRegion: "us-east-1",

		StreamQueueSize: 32,
		StreamKeepalive: 25,
		DispatchTimeout: 30,

		IdentityHeader: "X-Auth-User",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Web Push config
	if key := os.Getenv("VAPID_PUBLIC_KEY"); key != "" {
		cfg.VAPIDPublicKey = key
	}

	if key := os.Getenv("VAPID_PRIVATE_KEY"); key != "" {
		cfg.VAPIDPrivateKey = key
	}

	if sub := os.Getenv("VAPID_SUBSCRIBER"); sub != "" {
		cfg.VAPIDSubscriber = sub
	}

	// OneSignal config
	if id := os.Getenv("ONESIGNAL_APP_ID"); id != "" {
		cfg.OneSignalAppID = id
	}

	if key := os.Getenv("ONESIGNAL_API_KEY"); key != "" {
		cfg.OneSignalAPIKey = key
	}

	if url := os.Getenv("ONESIGNAL_API_URL"); url != "" {
		cfg.OneSignalAPIURL = url
	}

	if v := os.Getenv("ONESIGNAL_ALLOW_BROADCAST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ONESIGNAL_ALLOW_BROADCAST: %w", err)
		}
		cfg.OneSignalAllowBroadcast = b
	}

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	}

	if v := os.Getenv("SNS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SNS_ENABLED: %w", err)
		}
		cfg.SNSEnabled = b
	}

	// Stream config
	if size := os.Getenv("STREAM_QUEUE_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid STREAM_QUEUE_SIZE: %q", size)
		}
		cfg.StreamQueueSize = s
	}

	if iv := os.Getenv("STREAM_KEEPALIVE_SECONDS"); iv != "" {
		s, err := strconv.Atoi(iv)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid STREAM_KEEPALIVE_SECONDS: %q", iv)
		}
		cfg.StreamKeepalive = s
	}

	if t := os.Getenv("DISPATCH_TIMEOUT_SECONDS"); t != "" {
		s, err := strconv.Atoi(t)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid DISPATCH_TIMEOUT_SECONDS: %q", t)
		}
		cfg.DispatchTimeout = s
	}

	if h := os.Getenv("IDENTITY_HEADER"); h != "" {
		cfg.IdentityHeader = h
	}

	return cfg, nil
}
