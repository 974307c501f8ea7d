package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Relay    RelayConfig
	Ai       AIConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	RelayLogFilePath   string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
}

type DatabaseConfig struct {
	Connection string
}

type AuthConfig struct {
	JwtSecret string
	TokenTTL  time.Duration
}

// RelayConfig is the flat set of named limits governing the websocket relay.
type RelayConfig struct {
	MaxConnections        int
	MaxConnectionsPerUser int
	MaxMessageLength      int
	RateWindow            time.Duration
	RateMaxMessages       int
	IdleTimeout           time.Duration
	CleanupInterval       time.Duration
	MetricsInterval       time.Duration
	GenerationMaxTokens   int
	CapacityCloseCode     int
	Health                HealthThresholds
}

// HealthThresholds drive the coarse healthy/warning/critical classification.
// They are configuration, not protocol.
type HealthThresholds struct {
	WarnConnections   int
	CritConnections   int
	WarnLatency       time.Duration
	CritLatency       time.Duration
	WarnErrorRate     float64
	CritErrorRate     float64
	LatencySampleSize int
}

type AIConfig struct {
	LLMProvider   string // "ollama" or "openai"
	LLMModel      string
	OllamaBaseURL string
	OpenAIBaseURL string
	OpenAIAPIKey  string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			RelayLogFilePath:   getEnv("RELAY_LOG_FILE_PATH", "logs/relay.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Database: DatabaseConfig{
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		Auth: AuthConfig{
			JwtSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvAsDuration("JWT_TOKEN_TTL", 24*time.Hour),
		},
		Relay: RelayConfig{
			MaxConnections:        getEnvAsInt("RELAY_MAX_CONNECTIONS", 2000),
			MaxConnectionsPerUser: getEnvAsInt("RELAY_MAX_CONNECTIONS_PER_USER", 3),
			MaxMessageLength:      getEnvAsInt("RELAY_MAX_MESSAGE_LENGTH", 4000),
			RateWindow:            getEnvAsDuration("RELAY_RATE_WINDOW", time.Minute),
			RateMaxMessages:       getEnvAsInt("RELAY_RATE_MAX_MESSAGES", 20),
			IdleTimeout:           getEnvAsDuration("RELAY_IDLE_TIMEOUT", 10*time.Minute),
			CleanupInterval:       getEnvAsDuration("RELAY_CLEANUP_INTERVAL", time.Minute),
			MetricsInterval:       getEnvAsDuration("RELAY_METRICS_INTERVAL", 15*time.Second),
			GenerationMaxTokens:   getEnvAsInt("RELAY_GENERATION_MAX_TOKENS", 1024),
			CapacityCloseCode:     getEnvAsInt("RELAY_CAPACITY_CLOSE_CODE", 4008),
			Health: HealthThresholds{
				WarnConnections:   getEnvAsInt("RELAY_HEALTH_WARN_CONNECTIONS", 1500),
				CritConnections:   getEnvAsInt("RELAY_HEALTH_CRIT_CONNECTIONS", 1800),
				WarnLatency:       getEnvAsDuration("RELAY_HEALTH_WARN_LATENCY", 5*time.Second),
				CritLatency:       getEnvAsDuration("RELAY_HEALTH_CRIT_LATENCY", 10*time.Second),
				WarnErrorRate:     getEnvAsFloat("RELAY_HEALTH_WARN_ERROR_RATE", 0.1),
				CritErrorRate:     getEnvAsFloat("RELAY_HEALTH_CRIT_ERROR_RATE", 0.2),
				LatencySampleSize: getEnvAsInt("RELAY_HEALTH_LATENCY_SAMPLES", 100),
			},
		},
		Ai: AIConfig{
			LLMProvider:   getEnv("LLM_PROVIDER", "ollama"),
			LLMModel:      getEnv("LLM_MODEL", "llama3"),
			OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
