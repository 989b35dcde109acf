package pregao

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/licitabr/pregao-core/cmd/pregaod/metrics"
	coremetrics "github.com/licitabr/pregao-core/metrics"
	core "github.com/licitabr/pregao-core/pregao"
)

type metricCounter = metric.Int64Counter

func (e *Engine) initMetrics() {
	var err error
	e.metricBids, err = metrics.Meter.Int64Counter(metrics.Prefix + ".bids_total")
	if err != nil {
		log.Errorf("creating bids counter: %v", err)
	}
	e.metricRejectedBids, err = metrics.Meter.Int64Counter(metrics.Prefix + ".rejected_bids_total")
	if err != nil {
		log.Errorf("creating rejected bids counter: %v", err)
	}
	e.metricExtensions, err = metrics.Meter.Int64Counter(metrics.Prefix + ".extensions_total")
	if err != nil {
		log.Errorf("creating extensions counter: %v", err)
	}
	e.metricClosedItems, err = metrics.Meter.Int64Counter(metrics.Prefix + ".closed_items_total")
	if err != nil {
		log.Errorf("creating closed items counter: %v", err)
	}
	_, err = metrics.Meter.Int64ObservableGauge(
		metrics.Prefix+".active_sessions",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(e.activeSessions())))
			return nil
		}),
	)
	if err != nil {
		log.Errorf("creating active sessions gauge: %v", err)
	}
}

// countBid records the arbitration outcome. Rejections carry the reason so
// the rejection-count metric stays per-cause.
func (e *Engine) countBid(ctx context.Context, err error) {
	var rejected *core.BidRejectedError
	if errors.As(err, &rejected) {
		if e.metricRejectedBids != nil {
			e.metricRejectedBids.Add(ctx, 1,
				metric.WithAttributes(attribute.Key("reason").String(string(rejected.Reason))))
		}
		return
	}
	if e.metricBids != nil {
		coremetrics.MetricIncrCounter(ctx, err, e.metricBids)
	}
}

func (e *Engine) countExtension(ctx context.Context) {
	if e.metricExtensions != nil {
		e.metricExtensions.Add(ctx, 1)
	}
}

func (e *Engine) countClosedItem(ctx context.Context) {
	if e.metricClosedItems != nil {
		e.metricClosedItems.Add(ctx, 1)
	}
}
