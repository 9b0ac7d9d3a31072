package clustering

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/clusterscope/pkg/models"
)

const meterName = "clusterscope/clustering"

// round1 rounds to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// percentage returns part/total as a one-decimal percentage, 0 for an empty total.
func percentage(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return round1(float64(part) / float64(total) * 100)
}

// productionOutlierPercentage is 100 when nothing of the type is clustered yet.
func productionOutlierPercentage(snap *models.ProductionSnapshot) float64 {
	if snap == nil || snap.Version == 0 || snap.TotalItems == 0 {
		return 100
	}
	return percentage(snap.OutlierCount, snap.TotalItems)
}

// computeMetrics freezes the comparison numbers for a finished run. The improvement
// is the exact difference of the two stored percentages, not rounded again.
func computeMetrics(total, outliers, clusters, iterations int, snap *models.ProductionSnapshot) models.ScenarioMetrics {
	scenarioPct := percentage(outliers, total)
	productionPct := productionOutlierPercentage(snap)
	return models.ScenarioMetrics{
		TotalItems:                   total,
		OutlierCount:                 outliers,
		ClusterCount:                 clusters,
		Iterations:                   iterations,
		OutlierPercentage:            scenarioPct,
		ProductionOutlierPercentage:  productionPct,
		OutlierImprovementPercentage: productionPct - scenarioPct,
	}
}

// instruments holds the otel instruments recorded by the service and runner.
// With no global MeterProvider installed they are no-ops.
type instruments struct {
	created    metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	promotions metric.Int64Counter
	orphans    metric.Int64Counter
	duration   metric.Float64Histogram
}

func newInstruments(logger zerolog.Logger) *instruments {
	meter := otel.Meter(meterName)
	ins := &instruments{}
	var err error
	if ins.created, err = meter.Int64Counter("clusterscope.scenarios.created",
		metric.WithDescription("Scenarios accepted for clustering")); err != nil {
		logger.Warn().Err(err).Msg("Failed to create scenarios.created counter")
	}
	if ins.completed, err = meter.Int64Counter("clusterscope.scenarios.completed"); err != nil {
		logger.Warn().Err(err).Msg("Failed to create scenarios.completed counter")
	}
	if ins.failed, err = meter.Int64Counter("clusterscope.scenarios.failed"); err != nil {
		logger.Warn().Err(err).Msg("Failed to create scenarios.failed counter")
	}
	if ins.promotions, err = meter.Int64Counter("clusterscope.promotions",
		metric.WithDescription("Scenarios applied to production")); err != nil {
		logger.Warn().Err(err).Msg("Failed to create promotions counter")
	}
	if ins.orphans, err = meter.Int64Counter("clusterscope.orphans.detected"); err != nil {
		logger.Warn().Err(err).Msg("Failed to create orphans counter")
	}
	if ins.duration, err = meter.Float64Histogram("clusterscope.scenario.run.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of one scenario run")); err != nil {
		logger.Warn().Err(err).Msg("Failed to create run duration histogram")
	}
	return ins
}

func typeAttr(t models.EntityType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("entity_type", string(t)))
}

func (i *instruments) scenarioCreated(ctx context.Context, t models.EntityType) {
	if i.created != nil {
		i.created.Add(ctx, 1, typeAttr(t))
	}
}

func (i *instruments) runFinished(ctx context.Context, t models.EntityType, ok bool, elapsed time.Duration) {
	counter := i.failed
	if ok {
		counter = i.completed
	}
	if counter != nil {
		counter.Add(ctx, 1, typeAttr(t))
	}
	if i.duration != nil {
		i.duration.Record(ctx, elapsed.Seconds(), typeAttr(t))
	}
}

func (i *instruments) promoted(ctx context.Context, t models.EntityType) {
	if i.promotions != nil {
		i.promotions.Add(ctx, 1, typeAttr(t))
	}
}

func (i *instruments) orphansFound(ctx context.Context, n int) {
	if i.orphans != nil && n > 0 {
		i.orphans.Add(ctx, int64(n))
	}
}
