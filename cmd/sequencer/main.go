// Package main is the entrypoint for the sequencer Lambda function.
//
// The sequencer is the scheduled-maintenance multiplexer: EventBridge rules
// invoke it with a MaintenancePayload naming the task to run. It hosts the
// stuck-job watchdog, the sequence step dispatcher, and terminal job cleanup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"megaphone/internal/config"
	"megaphone/internal/db"
	"megaphone/internal/delivery"
	"megaphone/internal/external"
	"megaphone/internal/queue"
	"megaphone/internal/scheduler"
)

// Handler routes MaintenancePayloads to the owning service.
type Handler struct {
	watchdog   *scheduler.Watchdog
	dispatcher *scheduler.Dispatcher
	logger     *slog.Logger
}

// Handle executes one maintenance task.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) error {
	now := payload.Now()
	h.logger.InfoContext(ctx, "maintenance task starting",
		"task", string(payload.Task),
		"reference_time", now,
	)

	switch payload.Task {
	case scheduler.TaskRequeueStuckJobs:
		_, err := h.watchdog.RequeueStuckJobs(ctx, now)
		return err
	case scheduler.TaskDispatchSequences:
		_, err := h.dispatcher.DispatchDue(ctx, now)
		return err
	case scheduler.TaskCleanupTerminalJobs:
		_, err := h.watchdog.CleanupTerminalJobs(ctx, now)
		return err
	default:
		return fmt.Errorf("unknown maintenance task %q", payload.Task)
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err.Error())
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("sequencer initializing (cold start)")

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

	jobs := db.NewJobRepository(pool)
	enrollments := db.NewEnrollmentRepository(pool)
	accounts := db.NewAccountRepository(pool)
	trigger := queue.NewCampaignTrigger(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)

	sender := delivery.NewEmailAdapter(delivery.EmailAdapterConfig{
		Provider: external.NewSendGridClient(
			&http.Client{Timeout: cfg.Email.SendTimeout},
			external.SendGridClientConfig{
				APIKey: cfg.Email.SendGridAPIKey,
				Logger: logger,
			},
		),
		Renderer:    delivery.NewRenderer(),
		FromName:    cfg.Email.FromName,
		FromAddress: cfg.Email.FromAddress,
		Logger:      logger,
	})

	handler := &Handler{
		watchdog: scheduler.NewWatchdog(
			jobs,
			trigger,
			cfg.Engine.StuckJobHorizon,
			cfg.Engine.TerminalRetention,
			logger,
		),
		dispatcher: scheduler.NewDispatcher(
			enrollments,
			accounts,
			sender,
			cfg.Email.SendTimeout,
			logger,
		),
		logger: logger,
	}

	lambda.Start(handler.Handle)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
