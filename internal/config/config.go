// Package config centralises environment-driven configuration for the
// processing worker. Required settings fatal at startup; tunables fall
// back to deployment defaults so a bare environment still runs.
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// Config holds all worker configuration resolved at startup.
type Config struct {
	// Blob storage.
	PhotoBucket string

	// Session store. Empty disables DynamoDB and selects the in-memory store.
	DynamoTable string

	// Inference service.
	InferenceURL string

	// Detection tuning.
	TileSize      int     // sliding window edge in pixels (tiled segments)
	TileOverlap   float64 // fraction of TileSize shared between adjacent windows
	NMSThreshold  float64 // IoU above which two windowed detections merge
	MinConfidence float64 // detections below this score are discarded

	// Compute devices available to this worker process. Zero means CPU only.
	DeviceCount int

	// Pipeline scheduling.
	MaxParallelSegments int
	SegmentTimeout      time.Duration

	// Band estimation.
	EstimationBands    int     // horizontal bands per tiled segment
	EstimationMissRate float64 // known detector miss fraction at high density
	EstimationMaxError float64 // acceptable relative error before low-confidence fallback

	// Storage resilience.
	StorageMaxRetries      int
	StorageBreakerFailures int
	StorageBreakerCooldown time.Duration
}

// Load reads configuration from the environment. Missing required settings
// are fatal; everything else falls back to defaults.
func Load() Config {
	cfg := Default()

	cfg.PhotoBucket = os.Getenv("PHOTO_BUCKET_NAME")
	if cfg.PhotoBucket == "" {
		log.Fatal().Msg("PHOTO_BUCKET_NAME environment variable is required")
	}

	cfg.InferenceURL = os.Getenv("INFERENCE_URL")
	if cfg.InferenceURL == "" {
		log.Fatal().Msg("INFERENCE_URL environment variable is required")
	}

	cfg.DynamoTable = os.Getenv("DYNAMO_TABLE_NAME")

	cfg.TileSize = envInt("TILE_SIZE", cfg.TileSize)
	cfg.TileOverlap = envFloat("TILE_OVERLAP", cfg.TileOverlap)
	cfg.NMSThreshold = envFloat("NMS_IOU_THRESHOLD", cfg.NMSThreshold)
	cfg.MinConfidence = envFloat("MIN_CONFIDENCE", cfg.MinConfidence)
	cfg.DeviceCount = envInt("DEVICE_COUNT", cfg.DeviceCount)
	cfg.MaxParallelSegments = envInt("MAX_PARALLEL_SEGMENTS", cfg.MaxParallelSegments)
	cfg.SegmentTimeout = envDuration("SEGMENT_TIMEOUT", cfg.SegmentTimeout)
	cfg.EstimationBands = envInt("ESTIMATION_BANDS", cfg.EstimationBands)
	cfg.EstimationMissRate = envFloat("ESTIMATION_MISS_RATE", cfg.EstimationMissRate)
	cfg.EstimationMaxError = envFloat("ESTIMATION_MAX_ERROR", cfg.EstimationMaxError)
	cfg.StorageMaxRetries = envInt("STORAGE_MAX_RETRIES", cfg.StorageMaxRetries)
	cfg.StorageBreakerFailures = envInt("STORAGE_BREAKER_FAILURES", cfg.StorageBreakerFailures)
	cfg.StorageBreakerCooldown = envDuration("STORAGE_BREAKER_COOLDOWN", cfg.StorageBreakerCooldown)

	return cfg
}

// Default returns the deployment defaults without touching the environment.
// Tests build on this to avoid env coupling.
func Default() Config {
	return Config{
		TileSize:               640,
		TileOverlap:            0.2,
		NMSThreshold:           0.45,
		MinConfidence:          0.3,
		DeviceCount:            0,
		MaxParallelSegments:    4,
		SegmentTimeout:         2 * time.Minute,
		EstimationBands:        8,
		EstimationMissRate:     0.15,
		EstimationMaxError:     0.10,
		StorageMaxRetries:      4,
		StorageBreakerFailures: 5,
		StorageBreakerCooldown: 30 * time.Second,
	}
}

// LoadInferenceKey fetches the inference-service API key from SSM Parameter
// Store if not already set via INFERENCE_API_KEY. Fatals on SSM error so a
// misconfigured worker never starts half-wired.
func LoadInferenceKey(ssmClient *ssm.Client) {
	if os.Getenv("INFERENCE_API_KEY") != "" {
		return
	}
	paramName := os.Getenv("SSM_INFERENCE_KEY_PARAM")
	if paramName == "" {
		paramName = "/demeter/prod/inference-api-key"
	}
	ssmStart := time.Now()
	result, err := ssmClient.GetParameter(context.Background(), &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		log.Fatal().Err(err).Str("param", paramName).Msg("Failed to read inference API key from SSM")
	}
	os.Setenv("INFERENCE_API_KEY", *result.Parameter.Value)
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(ssmStart)).Msg("Inference API key loaded from SSM")
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", name).Str("value", v).Msg("Not an integer — using default")
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("var", name).Str("value", v).Msg("Not a number — using default")
		return fallback
	}
	return f
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("var", name).Str("value", v).Msg("Not a duration — using default")
		return fallback
	}
	return d
}
