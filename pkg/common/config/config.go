package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64

	// Operator API tokens
	APITokenSecret   string
	APITokenIssuer   string
	APITokenAudience string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	PostgresMaxConns int
	PostgresConnTTL  time.Duration

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaEnabled     bool
	KafkaBrokers     []string
	KafkaGroupID     string
	KafkaEventsTopic string
	KafkaIntakeTopic string

	// Reconciliation
	EncryptionKey  string
	SyncInterval   time.Duration
	QuarantineDays int
	HTTPTimeout    time.Duration
	CacheWorkers   int
	LeaseEnabled   bool
	LeaseTTL       time.Duration
	DLPRulesFile   string

	// National consent registry
	ConsentAPIURL         string
	ConsentDefinitionGUID string
	ConsentDefinitionName string
	ConsentPartCode       string
	ConsentPageDelay      time.Duration

	// Identity provider
	AuthTokenURL       string
	AuthClientID       string
	AuthPrivateKeyPath string
	AuthScopes         []string

	// Downstream registry
	RedcapAPIURL         string
	RedcapRegistriesFile string
	RedcapTargetRegistry string
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxBodyBytes: int64(getIntEnv("MAX_BODY_BYTES", 1<<20)),

		APITokenSecret:   getEnv("API_TOKEN_SECRET", ""),
		APITokenIssuer:   getEnv("API_TOKEN_ISSUER", "reservation-sync"),
		APITokenAudience: getEnv("API_TOKEN_AUDIENCE", "reservation-sync-api"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "reservation"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "reservation_sync"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresMaxConns: getIntEnv("POSTGRES_MAX_CONNS", 10),
		PostgresConnTTL:  getDuration("POSTGRES_CONN_TTL", 30*time.Minute),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaEnabled:     getBoolEnv("KAFKA_ENABLED", false),
		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "reservation-sync"),
		KafkaEventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "reservation-events"),
		KafkaIntakeTopic: getEnv("KAFKA_INTAKE_TOPIC", "patient-intake"),

		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		SyncInterval:   getDuration("SYNC_INTERVAL", 24*time.Hour),
		QuarantineDays: getIntEnv("QUARANTINE_DAYS", 30),
		HTTPTimeout:    getDuration("HTTP_TIMEOUT", 10*time.Second),
		CacheWorkers:   getIntEnv("CACHE_WORKERS", 8),
		LeaseEnabled:   getBoolEnv("LEASE_ENABLED", false),
		LeaseTTL:       getDuration("LEASE_TTL", 2*time.Hour),
		DLPRulesFile:   getEnv("DLP_RULES_FILE", ""),

		ConsentAPIURL:         getEnv("CONSENT_API_URL", "https://api.helsenorge.no"),
		ConsentDefinitionGUID: getEnv("CONSENT_DEFINITION_GUID", "56a8756c-49f7-4cb9-bfc0-ba282baf0f83"),
		ConsentDefinitionName: getEnv("CONSENT_DEFINITION_NAME", "Reservasjon mot registrering i NORPREG"),
		ConsentPartCode:       getEnv("CONSENT_PART_CODE", "norpreg"),
		ConsentPageDelay:      getDuration("CONSENT_PAGE_DELAY", 100*time.Millisecond),

		AuthTokenURL:       getEnv("AUTH_TOKEN_URL", "https://helseid-sts.nhn.no/connect/token"),
		AuthClientID:       getEnv("AUTH_CLIENT_ID", ""),
		AuthPrivateKeyPath: getEnv("AUTH_PRIVATE_KEY_PATH", ""),
		AuthScopes: getStringSliceEnv("AUTH_SCOPES", []string{
			"nhn:helsenorge.eksternapi/personverninnstilling_read",
			"nhn:helsenorge.eksternapi/personverninnstilling_write",
		}),

		RedcapAPIURL:         getEnv("REDCAP_API_URL", ""),
		RedcapRegistriesFile: getEnv("REDCAP_REGISTRIES_FILE", "config/registries.yaml"),
		RedcapTargetRegistry: getEnv("REDCAP_TARGET_REGISTRY", "NORPREG"),
	}
}

// Validate reports the settings a reconciliation cycle cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must be positive"))
	}
	if c.QuarantineDays < 0 {
		errs = append(errs, errors.New("QUARANTINE_DAYS must not be negative"))
	}
	if c.AuthClientID == "" || c.AuthPrivateKeyPath == "" {
		errs = append(errs, errors.New("AUTH_CLIENT_ID and AUTH_PRIVATE_KEY_PATH are required"))
	}
	if c.RedcapAPIURL == "" {
		errs = append(errs, errors.New("REDCAP_API_URL is required"))
	}
	if c.APITokenSecret != "" && len(c.APITokenSecret) < 16 {
		errs = append(errs, errors.New("API_TOKEN_SECRET must be at least 16 characters"))
	}
	return errors.Join(errs...)
}

func (c *Config) QuarantinePeriod() time.Duration {
	return time.Duration(c.QuarantineDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
