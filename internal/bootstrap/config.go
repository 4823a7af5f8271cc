package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerAddr string
	GRPCAddr   string
	LogLevel   string

	DatabaseDSN string
	AutoMigrate bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMSystemPrompt string
	LLMTemperature  float64
	LLMMaxTokens    int
	LLMTimeout      time.Duration

	TTSBaseURL       string
	TTSToken         string
	TTSTimeout       time.Duration
	TTSRetries       int
	TTSRetryDelay    time.Duration
	TTSRetryMaxDelay time.Duration
	SynthesisTimeout time.Duration
	DefaultSpeaker   string
	DefaultSpeed     float64
	DefaultFormat    string

	ASRURL              string
	ASRToken            string
	ASRConnectTimeout   time.Duration
	ASRReconnectDelay   time.Duration
	ASRMaxReconnects    int
	ASRCommitConfidence float64

	TaskWorkers       int
	TaskShutdownGrace time.Duration

	SegmentTerminator string
	AnnotationOpen    string
	AnnotationClose   string

	MetricsNamespace string
	HealthInterval   time.Duration
	AllowedOrigins   []string
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		GRPCAddr:   getEnv("GRPC_ADDR", ":50051"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),
		AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", true),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		LLMBaseURL:      getEnv("LLM_BASE_URL", "http://localhost:11434/v1"),
		LLMAPIKey:       getEnv("LLM_API_KEY", ""),
		LLMModel:        getEnv("LLM_MODEL", "qwen2.5"),
		LLMSystemPrompt: getEnv("LLM_SYSTEM_PROMPT", ""),
		LLMTemperature:  getEnvFloat("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:    getEnvInt("LLM_MAX_TOKENS", 0),
		LLMTimeout:      getEnvDuration("LLM_TIMEOUT", 30*time.Second),

		TTSBaseURL:       getEnv("TTS_BASE_URL", "http://localhost:9880"),
		TTSToken:         getEnv("TTS_TOKEN", ""),
		TTSTimeout:       getEnvDuration("TTS_TIMEOUT", 30*time.Second),
		TTSRetries:       getEnvInt("TTS_RETRIES", 3),
		TTSRetryDelay:    getEnvDuration("TTS_RETRY_DELAY", 100*time.Millisecond),
		TTSRetryMaxDelay: getEnvDuration("TTS_RETRY_MAX_DELAY", 2*time.Second),
		SynthesisTimeout: getEnvDuration("SYNTHESIS_TIMEOUT", 15*time.Second),
		DefaultSpeaker:   getEnv("TTS_DEFAULT_SPEAKER", ""),
		DefaultSpeed:     getEnvFloat("TTS_DEFAULT_SPEED", 1.0),
		DefaultFormat:    getEnv("TTS_DEFAULT_FORMAT", "wav"),

		ASRURL:              getEnv("ASR_URL", "ws://localhost:9000/asr"),
		ASRToken:            getEnv("ASR_TOKEN", ""),
		ASRConnectTimeout:   getEnvDuration("ASR_CONNECT_TIMEOUT", 10*time.Second),
		ASRReconnectDelay:   getEnvDuration("ASR_RECONNECT_DELAY", 2*time.Second),
		ASRMaxReconnects:    getEnvInt("ASR_MAX_RECONNECTS", 5),
		ASRCommitConfidence: getEnvFloat("ASR_COMMIT_CONFIDENCE", 0.6),

		TaskWorkers:       getEnvInt("TASK_WORKERS", 0),
		TaskShutdownGrace: getEnvDuration("TASK_SHUTDOWN_GRACE", 5*time.Second),

		SegmentTerminator: getEnv("SEGMENT_TERMINATOR", ""),
		AnnotationOpen:    getEnv("SEGMENT_ANNOTATION_OPEN", ""),
		AnnotationClose:   getEnv("SEGMENT_ANNOTATION_CLOSE", ""),

		MetricsNamespace: getEnv("METRICS_NAMESPACE", "companion"),
		HealthInterval:   getEnvDuration("HEALTH_INTERVAL", 15*time.Second),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", []string{"*"}),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
