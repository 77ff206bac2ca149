package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"meter-analytics/internal/config"
	"meter-analytics/internal/extract"
	"meter-analytics/internal/models"
	"meter-analytics/internal/repository"
	"meter-analytics/internal/services"
	"meter-analytics/pkg/database"
	"meter-analytics/pkg/logging"
	"meter-analytics/pkg/metrics"
)

func main() {
	readingsDir := flag.String("readings-dir", "./data/readings", "Directory containing JSON meter reading files")
	referenceDB := flag.String("reference-db", "./data/case_study.db", "SQLite file containing agreement/product/meterpoint tables")
	referenceDateStr := flag.String("reference-date", "", "Reference date for active agreements (YYYY-MM-DD, required)")
	startStr := flag.String("start", "", "Start of the consumption date range (YYYY-MM-DD, defaults to reference date)")
	endStr := flag.String("end", "", "End of the consumption date range (YYYY-MM-DD, defaults to reference date)")
	batchSize := flag.Int("batch-size", 1000, "Number of readings per raw insert batch")
	skipIngest := flag.Bool("skip-ingest", false, "Skip extraction and run the transformation from the raw store")
	incremental := flag.Bool("incremental", false, "Only ingest readings newer than the raw store watermark")
	flag.Parse()

	if *referenceDateStr == "" {
		fmt.Fprintln(os.Stderr, "-reference-date is required")
		flag.Usage()
		os.Exit(2)
	}

	scope, err := buildScope(*referenceDateStr, *startStr, *endStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid scope: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("meter-etl", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[ETL_START] Starting meter analytics ETL", logging.Fields{
		"readings_dir":   *readingsDir,
		"reference_db":   *referenceDB,
		"reference_date": scope.ReferenceDate.Format("2006-01-02"),
		"range_start":    scope.Range.Start.Format("2006-01-02"),
		"range_end":      scope.Range.End.Format("2006-01-02"),
		"skip_ingest":    *skipIngest,
	})

	metricsCollector := metrics.NewCollector("meter_etl")

	db, err := database.NewPostgresDB(&database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[ETL_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	rawRepo := repository.NewRawRepository(db, cfg.Schemas.Raw, logger, metricsCollector)
	analyticsRepo := repository.NewAnalyticsRepository(db, cfg.Schemas.Analytics, logger, metricsCollector)

	if !*skipIngest {
		ingestionService := services.NewIngestionService(
			extract.NewJSONReadingsReader(logger, metricsCollector),
			extract.NewSQLiteReferenceReader(*referenceDB, logger),
			rawRepo,
			logger,
			metricsCollector,
		)

		ingestResult, err := ingestionService.Ingest(ctx, *readingsDir, *batchSize, *incremental)
		if err != nil {
			logger.Fatal(ctx, "[INGEST_ERROR] Ingestion failed", logging.Fields{}, err)
		}

		printIngestionSummary(ingestResult)
	}

	pipelineService := services.NewPipelineService(rawRepo, analyticsRepo, logger, metricsCollector)

	result, err := pipelineService.Run(ctx, scope)
	if err != nil {
		logger.Fatal(ctx, "[RUN_ERROR] Pipeline run failed", logging.Fields{}, err)
	}

	printRunSummary(result)

	logger.Info(ctx, "[ETL_COMPLETE] ETL completed successfully", logging.Fields{
		"run_id":           result.RunID,
		"duration_seconds": result.Duration.Seconds(),
	})
}

func buildScope(referenceDate, start, end string) (models.RunScope, error) {
	var scope models.RunScope

	refDate, err := time.Parse("2006-01-02", referenceDate)
	if err != nil {
		return scope, fmt.Errorf("invalid -reference-date: %w", err)
	}
	scope.ReferenceDate = refDate

	if start != "" || end != "" {
		rangeStart, err := time.Parse("2006-01-02", start)
		if err != nil {
			return scope, fmt.Errorf("invalid -start: %w", err)
		}
		rangeEnd, err := time.Parse("2006-01-02", end)
		if err != nil {
			return scope, fmt.Errorf("invalid -end: %w", err)
		}
		scope.Range = models.DateRange{Start: rangeStart, End: rangeEnd}
	}

	return services.NormalizeScope(scope)
}

func printIngestionSummary(result *services.IngestionResult) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("INGESTION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Files Processed:   %d\n", result.FilesProcessed)
	fmt.Printf("Files Failed:      %d\n", result.FilesFailed)
	fmt.Printf("Readings Loaded:   %d\n", result.ReadingsLoaded)
	fmt.Printf("Readings Skipped:  %d\n", result.ReadingsSkipped)
	fmt.Printf("Rows Failed:       %d\n", result.RowsFailed)
	fmt.Printf("Agreements:        %d\n", result.Agreements)
	fmt.Printf("Products:          %d\n", result.Products)
	fmt.Printf("Meterpoints:       %d\n", result.Meterpoints)
	fmt.Printf("Duration:          %v\n", result.Duration)
}

func printRunSummary(result *services.RunResult) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("PIPELINE RUN COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run ID:               %s\n", result.RunID)
	fmt.Printf("Reference Date:       %s\n", result.Scope.ReferenceDate.Format("2006-01-02"))
	fmt.Printf("Range:                %s .. %s\n",
		result.Scope.Range.Start.Format("2006-01-02"),
		result.Scope.Range.End.Format("2006-01-02"))
	fmt.Printf("Active Agreements:    %d\n", len(result.ActiveAgreements))
	fmt.Printf("Half-Hourly Rows:     %d\n", len(result.HalfHourly))
	fmt.Printf("Daily Product Rows:   %d\n", len(result.DailyProduct))
	fmt.Printf("Malformed Rows:       %d\n", result.Aggregation.MalformedRows)
	fmt.Printf("Out-of-Scope Rows:    %d\n", result.Aggregation.OutOfScopeRows)
	fmt.Printf("Duplicate Readings:   %d\n", result.Aggregation.DuplicateReadings)
	fmt.Printf("Unattributed Buckets: %d\n", result.Aggregation.UnattributedBuckets)
	fmt.Printf("Orphaned Agreements:  %d\n", result.Resolution.OrphanedAgreements)
	fmt.Printf("Uncovered Meterpoints: %d\n", len(result.Resolution.UncoveredMeterpoints))
	fmt.Printf("Duration:             %v\n", result.Duration)

	if len(result.Aggregation.Failures) > 0 {
		fmt.Printf("\nRow Failures (%d):\n", len(result.Aggregation.Failures))
		for i, failure := range result.Aggregation.Failures {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(result.Aggregation.Failures)-10)
				break
			}
			fmt.Printf("  - %s\n", failure)
		}
	}
}
