package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/seed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger, err := observ.NewLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	port := 5432
	if s := os.Getenv("DB_PORT"); s != "" {
		if port, err = strconv.Atoi(s); err != nil {
			return fmt.Errorf("invalid DB_PORT: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	database, err := db.New(ctx, db.Config{
		Host:     envOr("DB_HOST", "localhost"),
		Port:     port,
		User:     envOr("DB_USER", "postgres"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: envOr("DB_NAME", "herald"),
		SSLMode:  envOr("DB_SSLMODE", "disable"),
		MaxConns: 2,
		MinConns: 1,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger.Named("db"))

	res, err := seed.New(repo, logger.Named("seed")).Run(ctx)
	if err != nil {
		return fmt.Errorf("seed templates: %w", err)
	}

	logger.Info("seeding complete",
		zap.Int("categories", res.Categories),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
	)
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
