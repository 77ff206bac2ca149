package services

import (
	"context"
	"fmt"
	"time"

	"meter-analytics/internal/extract"
	"meter-analytics/internal/models"
	"meter-analytics/internal/repository"
	"meter-analytics/pkg/logging"
	"meter-analytics/pkg/metrics"
)

// IngestionService extracts raw entities from their source formats and
// persists them verbatim into the raw record store.
type IngestionService struct {
	readings  *extract.JSONReadingsReader
	reference *extract.SQLiteReferenceReader
	raw       repository.RawRepository
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewIngestionService creates a new ingestion service.
func NewIngestionService(
	readings *extract.JSONReadingsReader,
	reference *extract.SQLiteReferenceReader,
	raw repository.RawRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *IngestionService {
	return &IngestionService{
		readings:  readings,
		reference: reference,
		raw:       raw,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	FilesProcessed  int
	FilesFailed     int
	ReadingsLoaded  int
	ReadingsSkipped int
	RowsFailed      int
	Agreements      int
	Products        int
	Meterpoints     int
	Duration        time.Duration
}

// Ingest extracts readings from the JSON feed directory and reference data
// from the SQLite file, then loads both into the raw store. When
// incremental is true, readings at or before the latest already-stored
// interval are skipped instead of re-appended.
func (s *IngestionService) Ingest(ctx context.Context, readingsDir string, batchSize int, incremental bool) (*IngestionResult, error) {
	startTime := time.Now()

	s.logger.Info(ctx, "[INGEST_START] Starting raw data ingestion", logging.Fields{
		"readings_dir": readingsDir,
		"batch_size":   batchSize,
		"incremental":  incremental,
	})

	readings, readStats, err := s.readings.ReadDirectory(ctx, readingsDir)
	if err != nil {
		return nil, fmt.Errorf("readings extraction failed: %w", err)
	}

	reference, err := s.reference.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reference extraction failed: %w", err)
	}

	result := &IngestionResult{
		FilesProcessed: readStats.FilesProcessed,
		FilesFailed:    readStats.FilesFailed,
		RowsFailed:     readStats.RowsFailed,
		Agreements:     len(reference.Agreements),
		Products:       len(reference.Products),
		Meterpoints:    len(reference.Meterpoints),
	}

	if incremental {
		readings, result.ReadingsSkipped, err = s.dropAlreadyStored(ctx, readings)
		if err != nil {
			return nil, err
		}
	}

	if err := s.loadReadings(ctx, readings, batchSize); err != nil {
		return nil, err
	}
	result.ReadingsLoaded = len(readings)

	if err := s.raw.ReplaceReferenceData(ctx, reference.Agreements, reference.Products, reference.Meterpoints); err != nil {
		return nil, fmt.Errorf("failed to load reference data: %w", err)
	}

	result.Duration = time.Since(startTime)
	s.metrics.IngestionDuration.Observe(result.Duration.Seconds())

	s.logger.Info(ctx, "[INGEST_COMPLETE] Raw data ingestion completed", logging.Fields{
		"files_processed":  result.FilesProcessed,
		"files_failed":     result.FilesFailed,
		"readings_loaded":  result.ReadingsLoaded,
		"readings_skipped": result.ReadingsSkipped,
		"rows_failed":      result.RowsFailed,
		"agreements":       result.Agreements,
		"products":         result.Products,
		"meterpoints":      result.Meterpoints,
		"duration_seconds": result.Duration.Seconds(),
	})

	return result, nil
}

func (s *IngestionService) dropAlreadyStored(ctx context.Context, readings []models.MeterReading) ([]models.MeterReading, int, error) {
	latest, err := s.raw.LatestReadingTimestamp(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to determine ingestion watermark: %w", err)
	}
	if latest == nil {
		return readings, 0, nil
	}

	kept := readings[:0]
	skipped := 0
	for _, reading := range readings {
		if !reading.IntervalStart.After(*latest) {
			skipped++
			continue
		}
		kept = append(kept, reading)
	}

	s.logger.Info(ctx, "[INGEST_WATERMARK] Incremental ingestion watermark applied", logging.Fields{
		"watermark": latest.Format(time.RFC3339),
		"skipped":   skipped,
	})

	return kept, skipped, nil
}

func (s *IngestionService) loadReadings(ctx context.Context, readings []models.MeterReading, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1000
	}

	for start := 0; start < len(readings); start += batchSize {
		end := start + batchSize
		if end > len(readings) {
			end = len(readings)
		}
		if err := s.raw.InsertReadingsBatch(ctx, readings[start:end]); err != nil {
			return fmt.Errorf("failed to insert readings batch: %w", err)
		}
	}

	return nil
}
