package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/FourTwoN/demeter-vision/internal/config"
	"github.com/FourTwoN/demeter-vision/internal/detection"
	"github.com/FourTwoN/demeter-vision/internal/estimation"
	"github.com/FourTwoN/demeter-vision/internal/inference"
	"github.com/FourTwoN/demeter-vision/internal/logging"
	"github.com/FourTwoN/demeter-vision/internal/pipeline"
	"github.com/FourTwoN/demeter-vision/internal/resources"
	"github.com/FourTwoN/demeter-vision/internal/segmentation"
	"github.com/FourTwoN/demeter-vision/internal/storage"
	"github.com/FourTwoN/demeter-vision/internal/store"
	"github.com/FourTwoN/demeter-vision/internal/viz"
)

var (
	processSessionID string
	processWorkerID  int
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process one session to its aggregated result",
	RunE:  runProcess,
}

func init() {
	processCmd.Flags().StringVar(&processSessionID, "session", "", "session id to process (required)")
	processCmd.Flags().IntVar(&processWorkerID, "worker", 0, "worker id; selects the compute device")
	processCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, _ []string) error {
	initStart := time.Now()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS configuration")
	}
	config.LoadInferenceKey(ssm.NewFromConfig(awsCfg))
	apiKey := os.Getenv("INFERENCE_API_KEY")

	blobs := storage.NewResilient(
		storage.NewS3Store(s3.NewFromConfig(awsCfg), cfg.PhotoBucket),
		cfg.StorageMaxRetries,
		cfg.StorageBreakerFailures,
		cfg.StorageBreakerCooldown,
	)

	var sessions store.SessionStore
	if cfg.DynamoTable != "" {
		sessions = store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
	} else {
		log.Warn().Msg("DYNAMO_TABLE_NAME not set — session state is in-memory and lost at exit")
		sessions = store.NewMemoryStore()
	}

	// Each cache key gets its own inference client pinned to the
	// worker's device; the service keeps a model instance warm per
	// device it has seen.
	cache := resources.New(func(ctx context.Context, _ resources.Kind, device string) (resources.Handle, error) {
		client := inference.NewClient(cfg.InferenceURL, apiKey, device)
		if err := client.CheckHealth(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}, cfg.DeviceCount)
	defer cache.Clear()

	coord := pipeline.New(
		segmentation.NewStage(cache, processWorkerID),
		detection.NewStage(cache, processWorkerID, detection.Params{
			TileSize:      cfg.TileSize,
			TileOverlap:   cfg.TileOverlap,
			NMSThreshold:  cfg.NMSThreshold,
			MinConfidence: cfg.MinConfidence,
		}),
		estimation.NewEstimator(cfg.EstimationBands, cfg.EstimationMissRate, cfg.EstimationMaxError),
		viz.NewRenderer(),
		blobs,
		sessions,
		pipeline.Options{
			MaxParallelSegments: cfg.MaxParallelSegments,
			SegmentTimeout:      cfg.SegmentTimeout,
		},
	)

	logging.NewStartupLogger("demeter-worker").
		CommitHash(commitHash).
		BuildTime(buildTime).
		S3Bucket("photos", cfg.PhotoBucket).
		DynamoTable("sessions", cfg.DynamoTable).
		Config("inferenceUrl", cfg.InferenceURL).
		Config("device", cache.DeviceFor(processWorkerID)).
		Config("maxParallelSegments", strconv.Itoa(cfg.MaxParallelSegments)).
		Config("segmentTimeout", cfg.SegmentTimeout.String()).
		InitDuration(time.Since(initStart)).
		Log()

	result, err := coord.Run(ctx, processSessionID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
