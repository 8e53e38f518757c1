package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"runtime"
	"time"

	geocube "github.com/airbusgeo/geocube-client-go/client"
	"github.com/airbusgeo/geocube/interface/messaging"
	"github.com/airbusgeo/geocube/interface/messaging/pgqueue"
	"github.com/airbusgeo/geocube/interface/messaging/pubsub"
	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/interface/rasterio"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/processor"
	"github.com/airbusgeo/s2-gapfill/service"
	"github.com/airbusgeo/s2-gapfill/service/log"
	"go.uber.org/zap"
)

type config struct {
	WorkingDir     string
	StorageURI     string
	ThresholdsFile string
	Workers        int
	BlockSize      int
	GCS            bool

	PgqDbConnection string
	PsProject       string
	JobQueue        string
	EventQueue      string

	GeocubeServer         string
	GeocubeServerInsecure bool
	GeocubeServerApiKey   string

	JSONLogs bool
}

func newAppConfig() (*config, error) {
	config := config{}
	// Global config
	flag.StringVar(&config.WorkingDir, "workdir", "/local-ssd", "working directory to store intermediate results")
	flag.StringVar(&config.StorageURI, "storage-uri", "", "storage uri (currently supported: local, gs). To get the scenes and store the outputs of the jobs.")
	flag.StringVar(&config.ThresholdsFile, "thresholds", "", "yaml file of the default thresholds of the masker (optional)")
	flag.IntVar(&config.Workers, "workers", runtime.NumCPU(), "number of blocks gap-filled in parallel")
	flag.IntVar(&config.BlockSize, "block-size", 512, "size of the blocks to gap-fill")
	flag.BoolVar(&config.GCS, "gdal-gcs", false, "read gs:// files with GDAL")

	// Messaging
	flag.StringVar(&config.PgqDbConnection, "pgq-connection", "", "enable pgq messaging system with a connection to the database")
	flag.StringVar(&config.PsProject, "ps-project", "", "pubsub subscription project (gcp only/not required in local usage)")
	flag.StringVar(&config.JobQueue, "job-queue", "", "name of the queue for processor jobs (pgqueue or pubsub subscription)")
	flag.StringVar(&config.EventQueue, "event-queue", "", "name of the queue for job events (pgqueue or pubsub topic)")

	// Geocube connection
	flag.StringVar(&config.GeocubeServer, "geocube-server", "", "address of geocube server (optional, to index the gap-filled rasters)")
	flag.BoolVar(&config.GeocubeServerInsecure, "geocube-insecure", false, "connection to geocube server is insecure")
	flag.StringVar(&config.GeocubeServerApiKey, "geocube-apikey", "", "geocube server api key")
	flag.BoolVar(&config.JSONLogs, "json-logs", false, "structured json logs (for log collectors)")
	flag.Parse()

	if config.WorkingDir == "" {
		return nil, fmt.Errorf("missing workdir config flag")
	}
	if config.StorageURI == "" {
		return nil, fmt.Errorf("wrong storage-uri config flag")
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

	var eventPublisher messaging.Publisher
	var jobConsumer messaging.Consumer
	var logMessaging string
	{
		if config.PgqDbConnection != "" {
			db, w, err := pgqueue.SqlConnect(ctx, config.PgqDbConnection)
			if err != nil {
				return fmt.Errorf("MessagingService: %w", err)
			}
			if config.JobQueue != "" {
				logMessaging += fmt.Sprintf(" pulling on pgqueue:%s", config.JobQueue)
				consumer := pgqueue.NewConsumer(db, config.JobQueue)
				defer consumer.Stop()
				jobConsumer = consumer
			}
			if config.EventQueue != "" {
				logMessaging += fmt.Sprintf(" pushing on pgqueue:%s", config.EventQueue)
				eventPublisher = pgqueue.NewPublisher(w, config.EventQueue, pgqueue.WithMaxRetries(5))
			}
		} else if config.PsProject != "" {
			if config.JobQueue != "" {
				logMessaging += fmt.Sprintf(" pulling on %s/%s", config.PsProject, config.JobQueue)
				if jobConsumer, err = pubsub.NewConsumer(config.PsProject, config.JobQueue); err != nil {
					return fmt.Errorf("pubsub.NewConsumer: %w", err)
				}
			}
			if config.EventQueue != "" {
				logMessaging += fmt.Sprintf(" pushing on %s/%s", config.PsProject, config.EventQueue)
				eventTopic, err := pubsub.NewPublisher(ctx, config.PsProject, config.EventQueue, pubsub.WithMaxRetries(5))
				if err != nil {
					return fmt.Errorf("messaging.NewPublisher: %w", err)
				}
				defer eventTopic.Stop()
				eventPublisher = eventTopic
			}
		}
	}
	if jobConsumer == nil {
		return fmt.Errorf("missing configuration for messaging.JobConsumer")
	}
	if eventPublisher == nil {
		return fmt.Errorf("missing configuration for messaging.EventPublisher")
	}

	storageService, err := service.NewStorageStrategy(ctx, config.StorageURI)
	if err != nil {
		return fmt.Errorf("storage[%s].%w", config.StorageURI, err)
	}
	if config.GCS {
		if err := rasterio.RegisterGCS(ctx); err != nil {
			return err
		}
	}

	thresholds := masker.DefaultThresholds()
	if config.ThresholdsFile != "" {
		if thresholds, err = masker.LoadThresholds(config.ThresholdsFile); err != nil {
			return err
		}
	}

	// Geocube client
	var gcclient *geocube.Client
	if config.GeocubeServer != "" {
		var tlsConfig *tls.Config
		if !config.GeocubeServerInsecure {
			tlsConfig = &tls.Config{}
		}
		if gcclient, err = service.NewGeocubeClient(ctx, config.GeocubeServer, config.GeocubeServerApiKey, tlsConfig); err != nil {
			return err
		}
	}

	proc := processor.Processor{
		Storage:    storageService,
		Geocube:    gcclient,
		Workdir:    config.WorkingDir,
		Thresholds: thresholds,
		Fill:       processor.FillOptions{Workers: config.Workers, BlockSize: config.BlockSize},
	}

	jobStarted := time.Time{}
	go func() {
		http.HandleFunc("/termination_cost", func(w http.ResponseWriter, r *http.Request) {
			terminationCost := 0
			if jobStarted != (time.Time{}) {
				terminationCost = int(time.Since(jobStarted).Seconds() * 1000) //milliseconds since task was leased
			}
			fmt.Fprintf(w, "%d", terminationCost)
		})
		http.ListenAndServe(":9000", nil)
	}()

	maxTries := 15 //Must be less than the configured number of tries of the pubsub topic

	log.Logger(ctx).Debug("processor starts" + logMessaging)
	for {
		err := jobConsumer.Pull(ctx, func(ctx context.Context, msg *messaging.Message) (err error) {
			jobStarted = time.Now()
			defer func() {
				jobStarted = time.Time{}
			}()
			ctx = log.With(ctx, "msgID", msg.ID)
			log.Logger(log.With(ctx, "body", string(msg.Data))).Sugar().Debugf("message %s try %d", msg.ID, msg.TryCount)

			var res common.Result
			defer func() {
				if err != nil && res.Type == "" {
					// The job cannot be identified: no result
					log.Logger(ctx).Error("invalid job", zap.Error(err))
				} else if err != nil {
					log.Logger(ctx).Warn("job failed", zap.Error(err))
				}
				var publish bool
				if res, publish = processor.Outcome(res, err, msg.TryCount, maxTries); !publish {
					return
				}
				resb, e := json.Marshal(res)
				if e != nil {
					err = service.MakeTemporary(fmt.Errorf("marshal: %w", e))
				} else if e := eventPublisher.Publish(ctx, resb); e != nil {
					err = service.MakeTemporary(fmt.Errorf("failed to enqueue result: %w", e))
				}
			}()

			if msg.TryCount > maxTries {
				res, _ = processor.Describe(msg.Data)
				return fmt.Errorf("too many retries")
			}
			if res, err = proc.Handle(ctx, msg.Data); err != nil {
				if msg.TryCount >= maxTries {
					return fmt.Errorf("too many retries: %w", err)
				}
				return err
			}
			log.Logger(ctx).Sugar().Infof("successfully processed %s %s (%s)", res.Type, res.Name, res.Status)
			return nil
		})
		if err != nil {
			return fmt.Errorf("ps.process: %w", err)
		}
	}
}
