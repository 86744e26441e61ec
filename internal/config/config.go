package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	DatabaseURL     string
	JWTSecret       string
	SessionTTL      string
	AllowOrigins    []string
	LogstashTCPAddr string

	MinIOEndpoint      string
	MinIOAccessKey     string
	MinIOSecretKey     string
	MinIOUseSSL        bool
	MinIOBucketImports string

	ImportMaxFileBytes   int64
	ImportMaxRows        int
	ImportPreviewRows    int
	ImportFuzzyThreshold float64
	ImportRollbackWindow time.Duration
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	maxBytes := int64(10 * 1024 * 1024)
	if v, err := strconv.ParseInt(getenv("IMPORT_MAX_FILE_BYTES", "10485760"), 10, 64); err == nil && v > 0 {
		maxBytes = v
	}

	maxRows := 5000
	if v, err := strconv.Atoi(getenv("IMPORT_MAX_ROWS", "5000")); err == nil && v > 0 {
		maxRows = v
	}

	previewRows := 20
	if v, err := strconv.Atoi(getenv("IMPORT_PREVIEW_ROWS", "20")); err == nil && v > 0 {
		previewRows = v
	}

	threshold := 0.82
	if v, err := strconv.ParseFloat(getenv("IMPORT_FUZZY_THRESHOLD", "0.82"), 64); err == nil && v > 0 && v <= 1 {
		threshold = v
	}

	rollbackWindow := 48 * time.Hour
	if v, err := time.ParseDuration(getenv("IMPORT_ROLLBACK_WINDOW", "48h")); err == nil && v > 0 {
		rollbackWindow = v
	}

	return Config{
		Port:            getenv("PORT", "8080"),
		DatabaseURL:     must("DATABASE_URL"),
		JWTSecret:       must("JWT_SECRET"),
		SessionTTL:      getenv("SESSION_TTL", "24h"),
		AllowOrigins:    splitAndTrim(getenv("ALLOW_ORIGINS", "*")),
		LogstashTCPAddr: getenv("LOGSTASH_TCP_ADDR", ""),

		MinIOEndpoint:      must("MINIO_ENDPOINT"),
		MinIOAccessKey:     must("MINIO_ACCESS_KEY"),
		MinIOSecretKey:     must("MINIO_SECRET_KEY"),
		MinIOUseSSL:        getenv("MINIO_USE_SSL", "false") == "true",
		MinIOBucketImports: getenv("MINIO_BUCKET_IMPORTS", "caseharbor-imports"),

		ImportMaxFileBytes:   maxBytes,
		ImportMaxRows:        maxRows,
		ImportPreviewRows:    previewRows,
		ImportFuzzyThreshold: threshold,
		ImportRollbackWindow: rollbackWindow,
	}
}

func splitAndTrim(input string) []string {
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("missing env: " + k)
	}
	return v
}
