// migrate applies the embedded schema: go run ./cmd/migrate -direction up
package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	_ = godotenv.Load()
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := migrate.Run(os.Getenv("DATABASE_URL"), *direction); err != nil {
		logger.Error("migration failed", zap.String("direction", *direction), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("migration applied", zap.String("direction", *direction))
}
