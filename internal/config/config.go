package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var (
	DiscordToken string
	BotOwnerID   string

	Environment string
	LogLevel    string

	DatabaseType string
	DatabasePath string
	DatabaseURL  string

	// Activity recording
	BucketWidthSeconds   int
	FlushIntervalSeconds int
	PendingFlushCapacity int

	// Pattern model
	ConfidenceFloor int

	// Decision policy
	DefaultThreshold             int
	DefaultUpdateIntervalSeconds int
	Sensitivity                  float64
	MinConfidence                float64
	CooldownSeconds              int
	CalmTicks                    int
	MaxSlowmodeSeconds           int
	VelocityWindowSeconds        int

	// Effectiveness tracking
	EffectivenessHorizonSeconds int
	EffectivenessWindow         int
	MinimalEffect               float64

	// Retention
	ActivityRetentionHours int
	AnalyticsRetentionDays int

	// Discord API pacing for channel edits
	SlowmodeEditsPerMinute int
)

// Load reads .env (if present) and populates package-level settings.
func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	DiscordToken = os.Getenv("DISCORD_TOKEN")
	BotOwnerID = os.Getenv("BOT_OWNER_ID")

	Environment = getEnv("ENVIRONMENT", "development")
	LogLevel = getEnv("LOG_LEVEL", "info")

	DatabaseType = getEnv("DATABASE_TYPE", "sqlite")
	DatabasePath = getEnv("DATABASE_PATH", "data/serenity.db")
	DatabaseURL = os.Getenv("DATABASE_URL")

	BucketWidthSeconds = getEnvInt("BUCKET_WIDTH_SECONDS", 60)
	FlushIntervalSeconds = getEnvInt("FLUSH_INTERVAL_SECONDS", 30)
	PendingFlushCapacity = getEnvInt("PENDING_FLUSH_CAPACITY", 4096)

	ConfidenceFloor = getEnvInt("CONFIDENCE_FLOOR", 5)

	DefaultThreshold = getEnvInt("DEFAULT_THRESHOLD", 10)
	DefaultUpdateIntervalSeconds = getEnvInt("DEFAULT_UPDATE_INTERVAL_SECONDS", 60)
	Sensitivity = getEnvFloat("SENSITIVITY", 2.0)
	MinConfidence = getEnvFloat("MIN_CONFIDENCE", 0.5)
	CooldownSeconds = getEnvInt("COOLDOWN_SECONDS", 300)
	CalmTicks = getEnvInt("CALM_TICKS", 3)
	MaxSlowmodeSeconds = getEnvInt("MAX_SLOWMODE_SECONDS", 600)
	VelocityWindowSeconds = getEnvInt("VELOCITY_WINDOW_SECONDS", 300)

	EffectivenessHorizonSeconds = getEnvInt("EFFECTIVENESS_HORIZON_SECONDS", 300)
	EffectivenessWindow = getEnvInt("EFFECTIVENESS_WINDOW", 10)
	MinimalEffect = getEnvFloat("MINIMAL_EFFECT", 0.2)

	ActivityRetentionHours = getEnvInt("ACTIVITY_RETENTION_HOURS", 24)
	AnalyticsRetentionDays = getEnvInt("ANALYTICS_RETENTION_DAYS", 30)

	SlowmodeEditsPerMinute = getEnvInt("SLOWMODE_EDITS_PER_MINUTE", 20)
}

// GetDatabaseConnectionString returns the DSN for the configured database type.
func GetDatabaseConnectionString() string {
	if DatabaseType == "postgres" {
		return DatabaseURL
	}
	return DatabasePath
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default %g", key, v, fallback)
		return fallback
	}
	return f
}
