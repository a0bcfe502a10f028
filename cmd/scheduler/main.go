// Command scheduler runs the image-processing orchestrator's scheduling
// core: BufferedRequestQueue draining the external FIFO into
// OutstandingJobsStore, and EndpointLoadScheduler picking and starting jobs
// against endpoint capacity. Shutdown is signal-driven and graceful.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rasterfleet/scheduler-core/internal/adminserver"
	"github.com/rasterfleet/scheduler-core/internal/capacity"
	"github.com/rasterfleet/scheduler-core/internal/config"
	"github.com/rasterfleet/scheduler-core/internal/httpclient"
	"github.com/rasterfleet/scheduler-core/internal/logger"
	"github.com/rasterfleet/scheduler-core/internal/model"
	"github.com/rasterfleet/scheduler-core/internal/observability"
	"github.com/rasterfleet/scheduler-core/internal/queue"
	"github.com/rasterfleet/scheduler-core/internal/readiness"
	"github.com/rasterfleet/scheduler-core/internal/region"
	"github.com/rasterfleet/scheduler-core/internal/region/raster"
	"github.com/rasterfleet/scheduler-core/internal/schedule"
	"github.com/rasterfleet/scheduler-core/internal/store"
	"github.com/rasterfleet/scheduler-core/internal/variant"
)

func main() {
	base := logger.Build(logger.Config{Level: os.Getenv("LOG_LEVEL"), Component: "scheduler"}, nil)
	log := logger.FromContext(logger.WithComponent(context.Background(), "scheduler"), &base)

	cfgSource := config.NewSource(log)
	cfg := cfgSource.Current()

	registry := prometheus.NewRegistry()
	observability.Init(registry, cfg.MetricsOn)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cfgSource.WatchSIGHUP(ctx)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	jobStore := store.New(rdb, cfg.JobRecordTTL, log)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SageMakerRegion))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}
	metadataSvc := capacity.NewSageMakerMetadataService(sagemaker.NewFromConfig(awsCfg))

	capacityEstimator := capacity.New(metadataSvc, time.Duration(cfg.MetadataCacheTTLSeconds)*time.Second,
		256, cfg.DefaultHTTPEndpointConcurrency, cfg.DefaultInstanceConcurrency, log)
	variantSelector := variant.New(metadataSvc, time.Duration(cfg.MetadataCacheTTLSeconds)*time.Second, 256, nil, log)
	regionCalculator := region.New(raster.NewHTTPRangeSource(httpclient.NewOutbound(cfg.ImageReadTimeout)), cfg.H3LocalityResolution, log)

	tracker := readiness.NewTracker(cfg.ReadinessFailureThreshold)

	fifo := queue.NewKafkaSource(queue.FIFOConfig{
		Brokers:             cfg.KafkaBrokers,
		Topic:               cfg.KafkaTopic,
		GroupID:             cfg.KafkaGroupID,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: true,
	}, log)
	if err := fifo.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start fifo source")
	}
	defer fifo.Stop()

	dlq, err := queue.NewDLQPublisher(cfg.KafkaBrokers, cfg.KafkaDLQTopic)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start dlq publisher")
	}
	defer dlq.Close()

	bufferedQueue := queue.New(fifo, dlq, variantSelector, regionCalculator, jobStore, queue.Config{
		FetchLimit:         cfg.FetchLimit,
		DefaultRegionSize:  cfg.DefaultRegionSize,
		DefaultTileSize:    cfg.DefaultTileSize,
		DefaultTileOverlap: cfg.DefaultTileOverlap,
		JobRecordTTL:       cfg.JobRecordTTL,
	}, log)

	scheduler := schedule.New(capacityEstimator, jobStore, cfgSource, tracker, log)

	started := make(chan model.OutstandingJobRecord, 64)
	go drainStarted(ctx, started, log)

	go bufferedQueue.RunLoop(ctx, cfg.TickInterval)
	go scheduler.RunLoop(ctx, cfg.TickInterval, started)

	adminDone := make(chan struct{})
	go func() {
		defer close(adminDone)
		if err := adminserver.Run(ctx, cfg.AdminAddr, tracker, log); err != nil {
			log.Error().Err(err).Msg("admin server stopped with error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining in-flight work")
	<-adminDone
}

// drainStarted consumes jobs emitted by the scheduler and hands them off to
// tile dispatch. Tile dispatch itself lives in a separate subsystem; this
// loop only logs the handoff so the channel never blocks the scheduler.
func drainStarted(ctx context.Context, started <-chan model.OutstandingJobRecord, log *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-started:
			log.Info().Str("endpoint_id", rec.EndpointID).Str("job_id", rec.JobID).
				Int("attempt_count", rec.AttemptCount).Msg("job started, handing off to tile dispatch")
		}
	}
}
