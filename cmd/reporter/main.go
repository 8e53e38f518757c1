package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"

	"github.com/airbusgeo/geocube/interface/messaging"
	"github.com/airbusgeo/geocube/interface/messaging/pgqueue"
	"github.com/airbusgeo/geocube/interface/messaging/pubsub"
	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/interface/database/pg"
	"github.com/airbusgeo/s2-gapfill/report"
	"github.com/airbusgeo/s2-gapfill/service"
	"github.com/airbusgeo/s2-gapfill/service/log"
	"github.com/gorilla/handlers"
	"go.uber.org/zap"
)

type config struct {
	AppPort      string
	DbConnection string

	PgqDbConnection string
	PsProject       string
	EventQueue      string
	JobQueue        string

	JSONLogs bool
}

func newAppConfig() (*config, error) {
	config := config{}
	flag.StringVar(&config.AppPort, "port", "8080", "reporter port to use")
	flag.StringVar(&config.DbConnection, "dbConnection", "", "database connection of the run reports")

	// Messaging
	flag.StringVar(&config.PgqDbConnection, "pgq-connection", "", "enable pgq messaging system with a connection to the database")
	flag.StringVar(&config.PsProject, "ps-project", "", "pubsub subscription project (gcp only/not required in local usage)")
	flag.StringVar(&config.EventQueue, "event-queue", "", "name of the queue of job events (pgqueue or pubsub subscription)")
	flag.StringVar(&config.JobQueue, "job-queue", "", "name of the queue for processor jobs (pgqueue or pubsub topic, optional: to submit jobs)")
	flag.BoolVar(&config.JSONLogs, "json-logs", false, "structured json logs (for log collectors)")
	flag.Parse()

	if config.AppPort == "" {
		return nil, fmt.Errorf("failed to initialize port application flag")
	}
	if config.DbConnection == "" {
		return nil, fmt.Errorf("missing dbConnection config flag")
	}
	if config.EventQueue == "" {
		return nil, fmt.Errorf("missing event-queue config flag")
	}
	return &config, nil
}

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	if config.JSONLogs {
		log.Structured()
	}

	// Connection to database
	db, err := pg.New(ctx, config.DbConnection)
	if err != nil {
		return fmt.Errorf("pg.New: %w", err)
	}

	// Messaging service
	var jobPublisher messaging.Publisher
	var eventConsumer messaging.Consumer
	var logMessaging string
	{
		if config.PgqDbConnection != "" {
			db, w, err := pgqueue.SqlConnect(ctx, config.PgqDbConnection)
			if err != nil {
				return fmt.Errorf("MessagingService: %w", err)
			}
			logMessaging += fmt.Sprintf(" pulling on pgqueue:%s", config.EventQueue)
			consumer := pgqueue.NewConsumer(db, config.EventQueue)
			defer consumer.Stop()
			eventConsumer = consumer
			if config.JobQueue != "" {
				logMessaging += fmt.Sprintf(" pushing jobs on pgqueue:%s", config.JobQueue)
				jobPublisher = pgqueue.NewPublisher(w, config.JobQueue, pgqueue.WithMaxRetries(5))
			}
		} else if config.PsProject != "" {
			logMessaging += fmt.Sprintf(" pulling on %s/%s", config.PsProject, config.EventQueue)
			if eventConsumer, err = pubsub.NewConsumer(config.PsProject, config.EventQueue); err != nil {
				return fmt.Errorf("pubsub.new: %w", err)
			}
			if config.JobQueue != "" {
				logMessaging += fmt.Sprintf(" pushing jobs on %s/%s", config.PsProject, config.JobQueue)
				publisher, err := pubsub.NewPublisher(ctx, config.PsProject, config.JobQueue, pubsub.WithMaxRetries(5))
				if err != nil {
					return fmt.Errorf("pubsub.NewPublisher(Jobs): %w", err)
				}
				defer publisher.Stop()
				jobPublisher = publisher
			}
		}
	}
	if eventConsumer == nil {
		return fmt.Errorf("missing configuration for messaging.EventConsumer")
	}
	if jobPublisher == nil {
		log.Logger(ctx).Warn("Job queue is not configured: jobs cannot be submitted.")
	}

	// Create Report Server
	reporter := report.NewReporter(db, jobPublisher)
	headersOk := handlers.AllowedHeaders([]string{"*"})
	originsOk := handlers.AllowedOrigins([]string{"*"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"})
	s := http.Server{
		Addr:    ":" + config.AppPort,
		Handler: handlers.CORS(originsOk, headersOk, methodsOk)(reporter.NewHandler()),
	}
	go func() {
		if err := s.ListenAndServe(); err != nil {
			log.Logger(ctx).Error(err.Error())
		}
	}()

	log.Logger(ctx).Debug("reporter starts" + logMessaging)
	for {
		err := eventConsumer.Pull(ctx, func(ctx context.Context, msg *messaging.Message) error {
			ctx = log.With(ctx, "msgID", msg.ID)
			log.Logger(log.With(ctx, "body", string(msg.Data))).Sugar().Debugf("message %s try %d", msg.ID, msg.TryCount)
			if msg.TryCount > 30 {
				return fmt.Errorf("bailing out after too many retries")
			}
			result := common.Result{}
			if err := json.Unmarshal(msg.Data, &result); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			} else if result.Run == "" {
				return fmt.Errorf("invalid payload %s %d: no run", result.Type, result.ID)
			}
			if err := reporter.ResultHandler(ctx, result); err != nil {
				return service.MakeTemporary(fmt.Errorf("failed to process %s %d: %w", result.Type, result.ID, err))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("ps.process: %w", err)
		}
	}
}
