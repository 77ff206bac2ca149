package services

import (
	"context"

	"meter-analytics/internal/models"
	"meter-analytics/internal/repository"
	"meter-analytics/pkg/logging"
	"meter-analytics/pkg/metrics"
)

// AnalyticsService serves read access to the derived analytics tables.
type AnalyticsService struct {
	repo    repository.AnalyticsRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewAnalyticsService creates a new analytics query service.
func NewAnalyticsService(repo repository.AnalyticsRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *AnalyticsService {
	return &AnalyticsService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetActiveAgreements retrieves active agreements with filtering
func (s *AnalyticsService) GetActiveAgreements(ctx context.Context, filter repository.ActiveAgreementFilter) ([]models.ActiveAgreement, int, error) {
	return s.repo.GetActiveAgreements(ctx, filter)
}

// GetHalfHourlyConsumption retrieves half-hourly buckets with filtering
func (s *AnalyticsService) GetHalfHourlyConsumption(ctx context.Context, filter repository.ConsumptionFilter) ([]models.HalfHourlyConsumption, int, error) {
	return s.repo.GetHalfHourlyConsumption(ctx, filter)
}

// GetDailyProductConsumption retrieves daily roll-ups with filtering
func (s *AnalyticsService) GetDailyProductConsumption(ctx context.Context, filter repository.DailyConsumptionFilter) ([]models.DailyProductConsumption, int, error) {
	return s.repo.GetDailyProductConsumption(ctx, filter)
}

// HealthCheck checks downstream health.
func (s *AnalyticsService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
