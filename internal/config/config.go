package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr       string
	CORSOrigin string
	// Messaging server
	ServerURL            string
	Token                string
	Channels             []string
	PageSize             int
	ViewArchivedChannels bool
	Location             *time.Location
	// Offline cache
	DatabaseURL   string
	MigrationsDir string
	// Side channels, disabled when their URL is empty
	RedisURL       string
	MeiliURL       string
	MeiliMasterKey string
	// Transcript export
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UseSSL       bool
	ExportMaxBytes int64
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first; real environment variables win.
func Load() Config {
	_ = godotenv.Load(".env")

	return Config{
		Addr:                 getenv("POSTSYNC_ADDR", ":8788"),
		CORSOrigin:           getenv("POSTSYNC_CORS_ORIGIN", "*"),
		ServerURL:            getenv("POSTSYNC_SERVER_URL", "http://localhost:8065"),
		Token:                getenv("POSTSYNC_TOKEN", ""),
		Channels:             getenvList("POSTSYNC_CHANNELS"),
		PageSize:             getenvInt("POSTSYNC_PAGE_SIZE", 60),
		ViewArchivedChannels: getenvBool("POSTSYNC_VIEW_ARCHIVED", false),
		Location:             getenvLocation("POSTSYNC_TIMEZONE"),
		DatabaseURL:          getenv("DATABASE_URL", ""),
		MigrationsDir:        getenv("POSTSYNC_MIGRATIONS_DIR", ""),
		RedisURL:             getenv("REDIS_URL", ""),
		MeiliURL:             getenv("MEILI_URL", ""),
		MeiliMasterKey:       getenv("MEILI_MASTER_KEY", ""),
		S3Endpoint:           getenv("S3_ENDPOINT", ""),
		S3Region:             getenv("S3_REGION", "us-east-1"),
		S3Bucket:             getenv("S3_BUCKET", "postsync-exports"),
		S3AccessKey:          getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:          getenv("S3_SECRET_KEY", ""),
		S3UseSSL:             getenvBool("S3_USE_SSL", false),
		ExportMaxBytes:       getenvBytes("POSTSYNC_EXPORT_MAX_BYTES", 10*1000*1000),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvBytes accepts sizes like "512KB" or "10 MiB".
func getenvBytes(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := humanize.ParseBytes(value)
	if err != nil {
		return fallback
	}
	return int64(parsed)
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvLocation(key string) *time.Location {
	value := os.Getenv(key)
	if value == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(value)
	if err != nil {
		return time.Local
	}
	return loc
}
