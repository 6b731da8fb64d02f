package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	SslCertPath string

	UploadRoot          string
	ChunkSize           int64
	MaxFileSize         int64
	MaxFilesPerContract int
	AllowedMimeTypes    []string

	JobWorkers      int
	JobTimeout      time.Duration
	JobMaxAttempts  int
	JobRetryBackoff time.Duration
	JobStaleAfter   time.Duration
	JobSweepEvery   time.Duration

	ConsolidateTimeout time.Duration

	ToolTimeout    time.Duration
	OCRTimeout     time.Duration
	OCRDPI         int
	OCRProvider    string
	OCRConcurrency int
	PdftotextBin   string
	PdftoppmBin    string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NotifyChannel string

	Port        string
	LogLevel    string
	Development bool
	CORSOrigins []string
}

// DefaultAllowedMimeTypes is the upload allow-list used when ALLOWED_MIME_TYPES is unset.
var DefaultAllowedMimeTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
	"application/json",
	"image/png",
	"image/jpeg",
	"image/tiff",
	"image/gif",
	"image/webp",
}

// LoadConfig loads the environment variables and return config.
// envFiles are passed to godotenv; a missing default .env is not an error.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),

		UploadRoot:          getEnv("UPLOAD_ROOT", "./uploads"),
		ChunkSize:           getEnvInt64("CHUNK_SIZE", 5*1024*1024),
		MaxFileSize:         getEnvInt64("MAX_FILE_SIZE", 100*1024*1024),
		MaxFilesPerContract: getEnvInt("MAX_FILES_PER_CONTRACT", 50),
		AllowedMimeTypes:    getEnvList("ALLOWED_MIME_TYPES", DefaultAllowedMimeTypes),

		JobWorkers:      getEnvInt("JOB_WORKERS", 4),
		JobTimeout:      getEnvDuration("JOB_TIMEOUT", 10*time.Minute),
		JobMaxAttempts:  getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobRetryBackoff: getEnvDuration("JOB_RETRY_BACKOFF", 2*time.Second),
		JobStaleAfter:   getEnvDuration("JOB_STALE_AFTER", 0),
		JobSweepEvery:   getEnvDuration("JOB_SWEEP_INTERVAL", 5*time.Minute),

		ConsolidateTimeout: getEnvDuration("CONSOLIDATE_TIMEOUT", 10*time.Minute),

		ToolTimeout:    getEnvDuration("TOOL_TIMEOUT", 2*time.Minute),
		OCRTimeout:     getEnvDuration("OCR_TIMEOUT", time.Minute),
		OCRDPI:         getEnvInt("OCR_DPI", 300),
		OCRProvider:    getEnv("OCR_PROVIDER", "textract"),
		OCRConcurrency: getEnvInt("OCR_CONCURRENCY", 2),
		PdftotextBin:   getEnv("PDFTOTEXT_BIN", "pdftotext"),
		PdftoppmBin:    getEnv("PDFTOPPM_BIN", "pdftoppm"),

		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		NotifyChannel: getEnv("NOTIFY_CHANNEL", "contractdocs.events"),

		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "production") == "development",
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	case c.MaxFileSize <= 0:
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	case c.JobWorkers <= 0:
		return fmt.Errorf("JOB_WORKERS must be positive, got %d", c.JobWorkers)
	case c.JobMaxAttempts <= 0:
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive, got %d", c.JobMaxAttempts)
	case c.OCRDPI <= 0:
		return fmt.Errorf("OCR_DPI must be positive, got %d", c.OCRDPI)
	case c.UploadRoot == "":
		return fmt.Errorf("UPLOAD_ROOT not set")
	}
	switch c.OCRProvider {
	case "textract", "none":
	default:
		return fmt.Errorf("OCR_PROVIDER %q not supported", c.OCRProvider)
	}
	return nil
}

// MimeAllowed reports whether uploads of mimeType are accepted.
func (c *Config) MimeAllowed(mimeType string) bool {
	for _, m := range c.AllowedMimeTypes {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	return false
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
