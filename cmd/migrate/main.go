package main

import (
	"flag"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/migration"
)

func main() {
	configPath := flag.String("config", "configs/config.local.yaml", "config file path")
	seedTenant := flag.String("seed-tenant", "", "create a tenant with this name and print an API key")
	seedTier := flag.String("seed-tier", domain.TierFree, "tier for the seeded tenant")
	verbose := flag.Bool("verbose", false, "verbose SQL logging")
	flag.Parse()

	config.LoadDotEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logLevel := gormlogger.Warn
	if *verbose {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(mysql.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get underlying DB: %v", err)
	}
	defer sqlDB.Close()

	if err := migration.Run(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Schema migration complete")

	if *seedTenant != "" {
		seed(db, *seedTenant, *seedTier)
	}
}

// seed creates a tenant plus one API key for local testing
func seed(db *gorm.DB, name, tier string) {
	tenant := &domain.Tenant{
		ID:     uuid.New().String(),
		Name:   name,
		Tier:   tier,
		Active: true,
	}
	if err := db.Create(tenant).Error; err != nil {
		log.Fatalf("Failed to create tenant: %v", err)
	}

	key := &domain.APIKey{
		Key:       uuid.New().String(),
		TenantID:  tenant.ID,
		Label:     "seeded " + time.Now().UTC().Format(time.RFC3339),
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(key).Error; err != nil {
		log.Fatalf("Failed to create API key: %v", err)
	}

	log.Printf("Tenant %s (%s) created", tenant.Name, tenant.ID)
	log.Printf("API key: %s", key.Key)
}
