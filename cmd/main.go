package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homecare-api/api"
	"homecare-api/res/store"
	"homecare-api/res/store/postgresql"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("source", "cmd/main.go")

func main() {
	// Load .env file in development
	if err := godotenv.Load(); err != nil {
		logger.Info("Note: .env file not found, using system environment variables")
	}

	port := readRequiredEnvVar("PORT")
	environment := readRequiredEnvVar("ENVIRONMENT")

	// Bootstrap global admin if GLOBAL_ADMIN_EMAIL is set
	if globalAdminEmail := os.Getenv("GLOBAL_ADMIN_EMAIL"); globalAdminEmail != "" {
		if err := bootstrapGlobalAdmin(globalAdminEmail); err != nil {
			logger.WithError(err).Warn("Failed to bootstrap global admin")
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           http.HandlerFunc(api.Handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on :%s (environment: %s)", port, environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// Hijacked websocket connections are not tracked by srv.Shutdown.
	api.Shutdown()
}

func readRequiredEnvVar(name string) string {
	val, ok := os.LookupEnv(name)
	if !ok {
		logger.Fatalf("Env variable not set: %s", name)
	}
	return val
}

func bootstrapGlobalAdmin(email string) error {
	dbURL := readRequiredEnvVar("DATABASE_POSTGRES_URL")
	storeInstance, err := postgresql.Connect(dbURL, postgresql.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer storeInstance.Close()

	ctx := context.Background()

	user, err := storeInstance.Users().GetByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user with email %s: %w", email, err)
	}

	if user.IsAdmin() {
		logger.Infof("User %s already has admin role", email)
		return nil
	}

	adminRole := store.UserRoleAdmin
	if _, err := storeInstance.Users().Update(ctx, user.ID, nil, &adminRole); err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}

	logger.Infof("Successfully promoted user %s to admin", email)
	return nil
}
