package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	aws_pkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
	ddbpkg "github.com/yashrajoria/commerce-webhooks/pkg/dynamodb"
	"github.com/yashrajoria/commerce-webhooks/services/common/logger"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/controllers"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/routes"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/services"
)

func main() {
	// Load .env file (optional, falls back to system env)
	_ = godotenv.Load()

	ctx := context.Background()
	cfg, err := LoadConfig(ctx)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	awsCfg, awsErr := aws_pkg.LoadAWSConfig(ctx)

	var (
		sink io.Writer
		cw   *aws_pkg.CloudWatchLogsClient
	)
	if cfg.CloudWatchEnabled && awsErr == nil {
		if cw, err = aws_pkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogGroup, routes.ServiceName); err == nil {
			sink = cw
		}
	}
	log, err := logger.New(cfg.AppEnv, sink)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()
	if awsErr != nil {
		log.Warn("AWS config unavailable, AWS integrations disabled", zap.Error(awsErr))
	}

	var metrics *aws_pkg.MetricsClient
	if awsErr == nil {
		metrics = aws_pkg.NewMetricsClient(awsCfg, "Commerce/Webhooks", cfg.MetricsEnabled)
	}

	// Document store
	var (
		store       repository.DocumentStore
		mongoClient *mongo.Client
	)
	switch cfg.StoreDriver {
	case "dynamodb":
		if awsErr != nil {
			log.Fatal("DynamoDB store requires AWS config", zap.Error(awsErr))
		}
		client := ddbpkg.NewClientFromConfig(awsCfg)
		if err := ddbpkg.EnsureTable(ctx, client, cfg.DDBTable, repository.FieldID); err != nil {
			log.Warn("Failed to ensure documents table", zap.String("table", cfg.DDBTable), zap.Error(err))
		}
		store = repository.NewDynamoStore(client, cfg.DDBTable)
	case "mongo":
		client, coll, err := repository.ConnectMongo(ctx, cfg.MongoURL, cfg.MongoDB, cfg.MongoCollection)
		if err != nil {
			log.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		mongoClient = client
		store = repository.NewMongoStore(coll)
	default:
		log.Warn("Using in-memory document store; data is lost on restart")
		store = repository.NewMemoryStore()
	}
	policy := repository.DefaultRetryPolicy
	policy.Timeout = cfg.StoreOpTimeout
	store = repository.NewRetryingStore(store, policy, log, metrics)

	// Postgres backs the email audit log and, optionally, deduplication.
	var db *gorm.DB
	if cfg.Postgres.Host != "" && cfg.Postgres.User != "" {
		db, err = repository.ConnectPostgres(log, cfg.Postgres, &repository.ProcessedEvent{}, &models.EmailLogEntry{})
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer repository.ClosePostgres(db)
	}

	var (
		dedup       repository.DedupStore
		redisClient *redis.Client
	)
	switch cfg.DedupDriver {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("Invalid REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		dedup = repository.NewRedisDedup(redisClient, cfg.DedupTTL)
	case "postgres":
		dedup = repository.NewPostgresDedup(db)
	default:
		dedup = repository.NewStoreDedup(store)
	}

	var archive services.PayloadArchive
	switch {
	case cfg.ArchiveBucket != "" && awsErr == nil:
		archive = services.NewS3Archive(aws_pkg.NewS3Client(awsCfg, cfg.ArchiveBucket))
	default:
		if source, ok := dedup.(services.RawPayloadSource); ok {
			archive = services.NewDedupArchive(source)
		}
	}

	var trigger services.AutomationTrigger
	switch cfg.AutomationTransport {
	case "sns":
		if awsErr != nil {
			log.Fatal("SNS automation requires AWS config", zap.Error(awsErr))
		}
		trigger = services.NewSNSTrigger(aws_pkg.NewSNSClient(awsCfg), cfg.SNSTopicARN)
	case "sqs":
		if awsErr != nil {
			log.Fatal("SQS automation requires AWS config", zap.Error(awsErr))
		}
		api := sqs.NewFromConfig(awsCfg)
		queueURL, err := aws_pkg.ResolveQueueURL(ctx, api, cfg.QueueURL)
		if err != nil {
			log.Fatal("Failed to resolve automation queue", zap.Error(err))
		}
		trigger = services.NewSQSTrigger(aws_pkg.NewSQSClientWithAPI(api, queueURL))
	default:
		trigger = services.NewLogTrigger(log)
	}
	emails := services.NewLoggerEmailLog(log)
	if db != nil {
		emails = services.NewEmailLog(repository.NewEmailLogRepository(db))
	}

	// DI chain
	reconciler := services.NewReconciler(store, log, cfg.DeferWindow)
	pipeline := services.NewPipeline(services.PipelineDeps{
		Stripe:     services.NewStripeVerifier(cfg.StripeWebhookSecrets, cfg.SkipVerify, log),
		Shipping:   services.NewShippingVerifier(cfg.ShippingWebhookSecret, cfg.SkipVerify, log),
		Dedup:      dedup,
		Archive:    archive,
		Reconciler: reconciler,
		Notifier:   services.NewNotifier(trigger, emails, cfg.NotifyTimeout, log),
		Metrics:    metrics,
		Logger:     log,
	})
	webhookController := controllers.NewWebhookController(pipeline, log)

	r := routes.NewRouter(webhookController, routes.Options{
		AdminJWTSecret:      cfg.AdminJWTSecret,
		AdminAllowedOrigins: cfg.AllowedOrigins,
		Metrics:             metrics,
		Logger:              log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Webhook service started",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("dedup", cfg.DedupDriver),
		zap.String("automation", cfg.AutomationTransport),
	)
	<-quit
	log.Info("Shutting down webhook service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	pipeline.Wait()

	if redisClient != nil {
		_ = redisClient.Close()
	}
	if mongoClient != nil {
		_ = mongoClient.Disconnect(shutdownCtx)
	}
	log.Info("Server exited cleanly")
	if cw != nil {
		_ = log.Sync()
		_ = cw.Close()
	}
}
