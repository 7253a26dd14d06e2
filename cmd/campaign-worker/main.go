// Package main is the entrypoint for the campaign worker Lambda function.
//
// The worker consumes CampaignMessages from the campaign SQS queue and runs
// one processing step per message: first-run audience fan-out, one batch of
// deliveries, a single counter write, and either a delayed reschedule or
// terminal completion. It implements the SQS Lambda handler pattern where
// each invocation receives a batch of SQS messages and reports per-message
// failures so SQS retries only what actually failed.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"megaphone/internal/audience"
	"megaphone/internal/config"
	"megaphone/internal/db"
	"megaphone/internal/delivery"
	"megaphone/internal/engine"
	"megaphone/internal/external"
	"megaphone/internal/queue"
	"megaphone/internal/types"
)

// Handler holds the dependencies for the campaign worker Lambda handler.
type Handler struct {
	runner *engine.Runner
	logger *slog.Logger
}

// Handle processes an SQS event containing one or more campaign step
// messages. Each message is processed independently; failures are reported
// through partial batch responses.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var msg types.CampaignMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.ErrorContext(ctx, "failed to unmarshal campaign message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure: ACK instead of poisoning the queue.
		return nil
	}

	ctx = types.WithRequestID(ctx, msg.TraceID)
	_, err := h.runner.Run(ctx, msg)
	return err
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err.Error())
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("campaign worker initializing (cold start)")

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err.Error())
		os.Exit(1)
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.EndpointURL != "" {
		awsOpts = append(awsOpts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err.Error())
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	jobs := db.NewJobRepository(pool)
	recipients := db.NewRecipientRepository(pool)
	accounts := db.NewAccountRepository(pool)
	notifications := db.NewNotificationRepository(pool)

	provider := external.NewSendGridClient(
		&http.Client{Timeout: cfg.Email.SendTimeout},
		external.SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey,
			Logger: logger,
		},
	)

	adapters := map[types.CampaignKind]delivery.Adapter{
		types.KindNotification: delivery.NewNotificationAdapter(notifications, logger),
		types.KindEmail: delivery.NewEmailAdapter(delivery.EmailAdapterConfig{
			Provider:    provider,
			Renderer:    delivery.NewRenderer(),
			FromName:    cfg.Email.FromName,
			FromAddress: cfg.Email.FromAddress,
			Logger:      logger,
		}),
	}

	processor := engine.NewProcessor(
		recipients,
		adapters,
		engine.NewCloudWatchMetrics(cwClient, cfg.AWS.MetricNamespace, logger),
		engine.ProcessorConfig{
			DeliveryTimeout: cfg.Engine.DeliveryTimeout,
			Concurrency:     cfg.Engine.BatchConcurrency,
		},
		logger,
	)

	runner := engine.NewRunner(
		jobs,
		audience.NewResolver(accounts, recipients, logger),
		processor,
		recipients,
		queue.NewCampaignTrigger(sqsClient, cfg.AWS, logger),
		logger,
	)

	handler := &Handler{runner: runner, logger: logger}
	lambda.Start(handler.Handle)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
