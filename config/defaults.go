package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Database: DefaultDatabaseConfig(),
		Cache:    DefaultCacheConfig(),
		Engine:   DefaultEngineConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultDatabaseConfig returns the default database settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "flowengine",
		Password:        "",
		Name:            "flowengine",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultCacheConfig returns the default Redis cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DefaultTTL:   5 * time.Minute,
	}
}

// DefaultEngineConfig returns the default execution settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Retry: RetryConfig{
			BaseDelay:  time.Second,
			MaxDelay:   60 * time.Second,
			Exponent:   2.0,
			Jitter:     true,
			MaxRetries: 3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			SuccessThreshold: 2,
		},
		Dispatcher: DispatcherConfig{
			Workers:    8,
			QueueSize:  256,
			PollPerSec: 50,
		},
		DeadLetterLimit:   100,
		PausePollInterval: 100 * time.Millisecond,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}
