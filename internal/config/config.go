package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Key/value store
	RedisURL string

	// Relational store (Supabase Postgres)
	SupabaseURL        string
	SupabaseServiceKey string
	DatabaseURL        string

	// WhatsApp adapter
	WhatsAppClientesURL string

	// Search backend
	SearchServiceURL string

	// MQTT broker
	MQTTHost           string
	MQTTPort           int
	MQTTUser           string
	MQTTPassword       string
	MQTTQoS            int
	MQTTPublishTimeout time.Duration
	MQTTTopicRequest   string
	MQTTTopicResponse  string

	// Availability coordinator
	AvailabilityTimeout      time.Duration
	AvailabilityAcceptGrace  time.Duration
	AvailabilityStateTTL     time.Duration
	AvailabilityPollInterval time.Duration

	// LLM
	OpenAIAPIKey         string
	OpenAITimeout        time.Duration
	MaxOpenAIConcurrency int
	UseAIExpansion       bool

	// Flow / caches
	FlowTTL         time.Duration
	ProfileCacheTTL time.Duration

	// Ops
	LogSamplingRate int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),

		WhatsAppClientesURL: getEnv("WHATSAPP_CLIENTES_URL", "http://wa-clientes:3000"),
		SearchServiceURL:    getEnv("SEARCH_SERVICE_URL", "http://search-service:8090"),

		MQTTHost:           getEnv("MQTT_HOST", ""),
		MQTTPort:           getEnvAsInt("MQTT_PORT", 0),
		MQTTUser:           getEnv("MQTT_USUARIO", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTQoS:            getEnvAsInt("MQTT_QOS", 1),
		MQTTPublishTimeout: getEnvAsSeconds("MQTT_PUBLISH_TIMEOUT", 5*time.Second),
		MQTTTopicRequest:   getEnv("MQTT_TEMA_SOLICITUD", "av-proveedores/solicitud"),
		MQTTTopicResponse:  getEnv("MQTT_TEMA_RESPUESTA", "av-proveedores/respuesta"),

		AvailabilityTimeout:      availabilityTimeout(),
		AvailabilityAcceptGrace:  getEnvAsSeconds("AVAILABILITY_ACCEPT_GRACE_SECONDS", 2*time.Second),
		AvailabilityStateTTL:     getEnvAsSeconds("AVAILABILITY_STATE_TTL_SECONDS", 300*time.Second),
		AvailabilityPollInterval: getEnvAsSeconds("AVAILABILITY_POLL_INTERVAL_SECONDS", 1500*time.Millisecond),

		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAITimeout:        getEnvAsSeconds("OPENAI_TIMEOUT_SECONDS", 5*time.Second),
		MaxOpenAIConcurrency: getEnvAsInt("MAX_OPENAI_CONCURRENCY", 5),
		UseAIExpansion:       getEnvAsBool("USE_AI_EXPANSION", true),

		FlowTTL:         getEnvAsSeconds("FLOW_TTL_SECONDS", 3600*time.Second),
		ProfileCacheTTL: getEnvAsSeconds("PROFILE_CACHE_TTL_SECONDS", 300*time.Second),

		LogSamplingRate: getEnvAsInt("LOG_SAMPLING_RATE", 10),
	}
}

// MQTTIssues returns configuration problems that would prevent the
// availability coordinator from working. A non-empty list means live
// availability is disabled and searches degrade to search-only results.
func (c *Config) MQTTIssues() []string {
	var issues []string
	if c.MQTTHost == "" {
		issues = append(issues, "MQTT_HOST is empty — live availability disabled")
	}
	if c.MQTTPort == 0 {
		issues = append(issues, "MQTT_PORT is empty — live availability disabled")
	}
	return issues
}

// availabilityTimeout applies the 10s floor for the gather window.
func availabilityTimeout() time.Duration {
	d := getEnvAsSeconds("AVAILABILITY_TIMEOUT_SECONDS", 45*time.Second)
	if d < 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSeconds reads a plain number of seconds, the wire contract the
// upstream services use. Fractional values are preserved.
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil && value > 0 {
		return time.Duration(value * float64(time.Second))
	}
	return defaultValue
}
