package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"homecare-api/res/auth"
	"homecare-api/res/locationcache"
	"homecare-api/res/logging"
	"homecare-api/res/notification"
	"homecare-api/res/notification/fcm"
	"homecare-api/res/notification/slack"
	"homecare-api/res/storage"
	"homecare-api/res/store"
	"homecare-api/res/store/postgresql"
	"homecare-api/sys/http/middleware"
	"homecare-api/sys/hub"
	"homecare-api/sys/rest"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger()

// CONFIGURATION CONVENTION:
// All environment variable configuration is centralized in this file (api/index.go).
// This provides a single location to view all configuration requirements and ensures
// consistent handling of environment variables across the application.
//
// REQUIRED Environment Variables (minimum to run):
// - DATABASE_POSTGRES_URL: PostgreSQL connection string
// - AUTH_JWT_SECRET: JWT signing secret
//
// OPTIONAL Environment Variables (with graceful degradation):
// - ENVIRONMENT: "production" enables strict CORS/origin checks and JSON logs (default: development)
// - FRONTEND_URL: allowed browser origin in production, also the push notification link
// - DATABASE_AUTO_MIGRATE: "true" runs schema migrations on startup (default: false)
// - DATABASE_MAX_OPEN_CONNS / DATABASE_MAX_IDLE_CONNS: connection pool size (default: 20 / 5)
// - LOG_LEVEL: logrus level (default: info)
// - LOG_FILE: also write logs to this file, rotated (optional)
// - REDIS_URL: redis for the location cache and rate limiter (default: in-process memory)
// - LOCATION_RATE_LIMIT: location pushes allowed per provider, e.g. "20-1m" (default: 20-1m)
// - BOOKING_OPEN_HOUR / BOOKING_CLOSE_HOUR: bookable hours (default: 9 / 18)
// - SLACK_WEBHOOK_URL: Slack webhook URL for notifications (optional)
// - SLACK_TIMEOUT_SECONDS: Timeout for notification API requests in seconds (default: 5)
// - FCM_CREDENTIALS_FILE: Firebase service account for push notifications (optional)
// - GCS_BUCKET: bucket for e-signature images (optional)
// - GCS_CREDENTIALS_FILE: GCS credentials (application default credentials when unset)

// Global service instances initialized once
var (
	storeInstance     store.Store
	authInstance      auth.Auth
	redisInstance     *redis.Client
	hubInstance       *hub.Hub
	signatureInstance *storage.SignatureBucket
	logCloser         io.Closer
	handlerInstance   http.Handler
	initOnce          sync.Once
	initError         error
)

func Handler(w http.ResponseWriter, r *http.Request) {
	// Initialize services only once using sync.Once
	initOnce.Do(func() {
		handlerInstance, initError = configHandler()
	})

	if initError != nil {
		logger.Fatalf("Failed to initialize services: %v", initError)
	}

	handlerInstance.ServeHTTP(w, r)
}

// Shutdown disconnects realtime clients and releases external clients.
func Shutdown() {
	if hubInstance != nil {
		hubInstance.Close()
	}
	if signatureInstance != nil {
		if err := signatureInstance.Close(); err != nil {
			logger.WithError(err).Warn("Error closing storage client")
		}
	}
	if redisInstance != nil {
		if err := redisInstance.Close(); err != nil {
			logger.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if storeInstance != nil {
		if err := storeInstance.Close(); err != nil {
			logger.WithError(err).Warn("Error closing database")
		}
	}
	if logCloser != nil {
		logCloser.Close()
	}
}

func configHandler() (http.Handler, error) {
	environment := readOptionalEnvVar("ENVIRONMENT", "development")
	frontendURL := readOptionalEnvVar("FRONTEND_URL", "")
	configLogger(environment)

	var err error
	storeInstance, err = configStore()
	if err != nil {
		return nil, err
	}
	authInstance = configAuth()
	redisInstance = configRedis()

	originAllowed := middleware.CheckOrigin(environment, frontendURL)
	hubInstance = hub.New(hub.Config{
		Logger:      logger.WithField("component", "hub"),
		CheckOrigin: func(r *http.Request) bool { return originAllowed(r.Header.Get("Origin")) },
	})

	server := rest.New(&rest.Config{
		Logger:              logger.WithField("component", "rest"),
		Store:               storeInstance,
		Hub:                 hubInstance,
		Locations:           configLocationCache(),
		NotificationService: configNotification(frontendURL),
		Signatures:          configSignatures(),
		OpenHour:            readIntEnvVar("BOOKING_OPEN_HOUR", 9),
		CloseHour:           readIntEnvVar("BOOKING_CLOSE_HOUR", 18),
	})

	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CSPMiddleware())
	router.Use(middleware.CORSMiddleware(environment, frontendURL))

	router.GET("/health", func(c *gin.Context) {
		if err := storeInstance.Ping(c.Request.Context()); err != nil {
			logger.WithError(err).Warn("Health check: database unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/", middleware.AuthMiddleware(logger, storeInstance, authInstance))
	locationLimit := middleware.RateLimiter(logger, redisInstance, readOptionalEnvVar("LOCATION_RATE_LIMIT", "20-1m"), "location")
	server.RegisterRoutes(authed, locationLimit)

	return router, nil
}

func readRequiredEnvVar(name string) string {
	val, ok := os.LookupEnv(name)
	if !ok {
		logger.Fatalf("Env variable not set: %s", name)
	}
	return val
}

func readOptionalEnvVar(name, defaultValue string) string {
	val, ok := os.LookupEnv(name)
	if !ok {
		return defaultValue
	}
	return val
}

func readIntEnvVar(name string, defaultValue int) int {
	raw := readOptionalEnvVar(name, "")
	if raw == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warnf("Env variable %s is not a number (%q), using %d", name, raw, defaultValue)
		return defaultValue
	}
	return val
}

func configLogger(environment string) {
	logger, logCloser = logging.New(logging.Config{
		Level: readOptionalEnvVar("LOG_LEVEL", "info"),
		File:  readOptionalEnvVar("LOG_FILE", ""),
		JSON:  environment == "production",
	})
}

func configStore() (store.Store, error) {
	rawStore, err := postgresql.Connect(readRequiredEnvVar("DATABASE_POSTGRES_URL"), postgresql.PoolConfig{
		MaxOpenConns:    readIntEnvVar("DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    readIntEnvVar("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if readOptionalEnvVar("DATABASE_AUTO_MIGRATE", "false") == "true" {
		if err := rawStore.AutoMigrate(); err != nil {
			return nil, err
		}
		logger.Info("Database schema migrated")
	}
	return rawStore, nil
}

func configAuth() auth.Auth {
	return auth.New(readRequiredEnvVar("AUTH_JWT_SECRET"))
}

func configRedis() *redis.Client {
	redisURL := readOptionalEnvVar("REDIS_URL", "")
	if redisURL == "" {
		logger.Info("REDIS_URL not set, using in-process location cache and rate limiter")
		return nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.WithError(err).Warn("Invalid REDIS_URL, falling back to in-process state")
		return nil
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unreachable, falling back to in-process state")
		client.Close()
		return nil
	}

	logger.Info("Connected to Redis")
	return client
}

func configLocationCache() locationcache.Cache {
	if redisInstance == nil {
		return locationcache.NewMemory()
	}
	return locationcache.NewRedis(redisInstance, locationcache.DefaultTTL)
}

func configNotification(frontendURL string) notification.NotificationService {
	var slackService, fcmService notification.NotificationService

	webhookURL := readOptionalEnvVar("SLACK_WEBHOOK_URL", "")
	if webhookURL == "" {
		logger.Info("SLACK_WEBHOOK_URL not set, Slack notifications disabled")
	} else {
		timeoutSeconds := readOptionalEnvVar("SLACK_TIMEOUT_SECONDS", "5")
		timeout, _ := time.ParseDuration(timeoutSeconds + "s")
		slackService = slack.New(webhookURL, timeout, logger)
	}

	credentials := readOptionalEnvVar("FCM_CREDENTIALS_FILE", "")
	if credentials == "" {
		logger.Info("FCM_CREDENTIALS_FILE not set, push notifications disabled")
	} else {
		svc, err := fcm.New(context.Background(), credentials, frontendURL, logger)
		if err != nil {
			logger.WithError(err).Warn("Push notifications disabled")
		} else {
			fcmService = svc
		}
	}

	return notification.Multi(slackService, fcmService)
}

// configSignatures returns an interface value that is nil when storage is
// not configured, so the REST layer can tell.
func configSignatures() storage.SignatureStore {
	bucket := readOptionalEnvVar("GCS_BUCKET", "")
	if bucket == "" {
		logger.Info("GCS_BUCKET not set, e-signatures will not be stored")
		return nil
	}

	svc, err := storage.NewSignatureBucket(context.Background(), bucket, readOptionalEnvVar("GCS_CREDENTIALS_FILE", ""))
	if err != nil {
		logger.WithError(err).Warn("Signature storage disabled")
		return nil
	}
	signatureInstance = svc
	return svc
}
