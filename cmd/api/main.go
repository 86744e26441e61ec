package main

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/caseharbor/caseharbor-api/internal/config"
	"github.com/caseharbor/caseharbor-api/internal/logging"
	"github.com/caseharbor/caseharbor-api/internal/repository/minio"
	"github.com/caseharbor/caseharbor-api/internal/repository/postgres"
	"github.com/caseharbor/caseharbor-api/internal/service"
	transport "github.com/caseharbor/caseharbor-api/internal/transport/http"
	"github.com/caseharbor/caseharbor-api/internal/util"
)

func main() {
	cfg := config.Load()

	if cfg.LogstashTCPAddr != "" {
		if w, err := logging.NewWriter(cfg.LogstashTCPAddr); err == nil {
			log.SetOutput(io.MultiWriter(os.Stdout, w))
			defer w.Close()
		} else {
			log.Printf("logstash mirror disabled: %v", err)
		}
	}

	db, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	minioClient, err := minio.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
	if err != nil {
		log.Fatalf("connect object storage: %v", err)
	}
	storage := minio.NewStorage(minioClient)

	sessionTTL, err := time.ParseDuration(cfg.SessionTTL)
	if err != nil || sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	jwtManager := util.NewJWTManager(cfg.JWTSecret, sessionTTL)

	importSvc := service.NewImportService(
		postgres.NewImportBatchRepo(db),
		postgres.NewClientRepo(db),
		postgres.NewImportApplier(db),
		postgres.NewImportJobRepo(db),
		storage,
		service.ImportServiceConfig{
			Bucket:         cfg.MinIOBucketImports,
			MaxRows:        cfg.ImportMaxRows,
			MaxFileBytes:   cfg.ImportMaxFileBytes,
			PreviewRows:    cfg.ImportPreviewRows,
			FuzzyThreshold: cfg.ImportFuzzyThreshold,
			RollbackWindow: cfg.ImportRollbackWindow,
		},
	)

	e := transport.NewRouter(cfg.AllowOrigins)
	transport.RegisterSwagger(e)
	transport.RegisterImports(e, jwtManager, importSvc, cfg.ImportMaxFileBytes)

	e.Logger.Fatal(e.Start(":" + cfg.Port))
}
