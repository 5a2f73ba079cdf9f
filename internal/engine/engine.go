// Package engine drives the periodic reconcile-then-aggregate cycle: one
// ticker loop that first converges fleet inventory, then rolls up traffic.
// Each cycle runs under one OpenTelemetry span; each pass records counters.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/proxyfleet/panelsync/internal/reconcile"
	"github.com/proxyfleet/panelsync/internal/traffic"
)

const (
	otelScope            = "panelsync/engine"
	spanCycle            = "engine.cycle"
	metricInboundsSynced = "panelsync.reconcile.inbounds"
	metricClientsSynced  = "panelsync.reconcile.clients"
	metricReconcileErr   = "panelsync.reconcile.errors"
	metricClientsSeen    = "panelsync.traffic.clients_seen"
	metricCyclesStarted  = "panelsync.traffic.cycles_initiated"
	metricCentralResets  = "panelsync.traffic.central_resets"
	metricTrafficUpdated = "panelsync.traffic.updated"
	metricTrafficErr     = "panelsync.traffic.errors"
)

// CycleDriver runs the reconciler and aggregator on a fixed interval until
// its context is cancelled.
type CycleDriver struct {
	reconciler *reconcile.Reconciler
	aggregator *traffic.Aggregator
	interval   time.Duration
	log        *zap.Logger

	tracer             trace.Tracer
	cntInboundsSynced  metric.Int64Counter
	cntClientsSynced   metric.Int64Counter
	cntReconcileErrors metric.Int64Counter
	cntClientsSeen     metric.Int64Counter
	cntCyclesStarted   metric.Int64Counter
	cntCentralResets   metric.Int64Counter
	cntTrafficUpdated  metric.Int64Counter
	cntTrafficErrors   metric.Int64Counter
}

// NewCycleDriver creates a CycleDriver. OTel instruments are always non-nil,
// falling back to no-op implementations if the meter fails to create one.
func NewCycleDriver(reconciler *reconcile.Reconciler, aggregator *traffic.Aggregator, interval time.Duration, log *zap.Logger) *CycleDriver {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Error("creating OTel counter", zap.String("name", name), zap.Error(err))
			return noop.Int64Counter{}
		}
		return c
	}

	return &CycleDriver{
		reconciler: reconciler,
		aggregator: aggregator,
		interval:   interval,
		log:        log,

		tracer:             tracer,
		cntInboundsSynced:  mustCounter(metricInboundsSynced, "Inbounds created or updated on nodes during reconcile"),
		cntClientsSynced:   mustCounter(metricClientsSynced, "Clients created or updated on nodes during reconcile"),
		cntReconcileErrors: mustCounter(metricReconcileErr, "Errors encountered during inventory reconcile"),
		cntClientsSeen:     mustCounter(metricClientsSeen, "Distinct clients observed during traffic aggregation"),
		cntCyclesStarted:   mustCounter(metricCyclesStarted, "New traffic cycles initiated"),
		cntCentralResets:   mustCounter(metricCentralResets, "Central counter resets detected"),
		cntTrafficUpdated:  mustCounter(metricTrafficUpdated, "Clients whose running total changed"),
		cntTrafficErrors:   mustCounter(metricTrafficErr, "Errors encountered during traffic aggregation"),
	}
}

// runCycle performs one reconcile pass followed by one traffic aggregation
// pass under a single trace span, recording metrics for each. A reconcile failure
// does not prevent the traffic aggregation pass from running.
func (d *CycleDriver) runCycle(ctx context.Context) error {
	ctx, span := d.tracer.Start(ctx, spanCycle)
	defer span.End()

	rStats, rErr := d.reconciler.Reconcile(ctx)
	d.cntInboundsSynced.Add(ctx, int64(rStats.InboundsCreated+rStats.InboundsUpdated))
	d.cntClientsSynced.Add(ctx, int64(rStats.ClientsCreated+rStats.ClientsUpdated))
	if rStats.Errors > 0 {
		d.cntReconcileErrors.Add(ctx, int64(rStats.Errors))
	}
	if rErr != nil {
		span.RecordError(rErr)
		d.log.Error("reconcile failed", zap.Error(rErr))
	}

	tStats, tErr := d.aggregator.Aggregate(ctx)
	d.cntClientsSeen.Add(ctx, int64(tStats.ClientsSeen))
	d.cntCyclesStarted.Add(ctx, int64(tStats.CyclesInitiated))
	d.cntCentralResets.Add(ctx, int64(tStats.CentralResets))
	d.cntTrafficUpdated.Add(ctx, int64(tStats.Updated))
	if tStats.Errors > 0 {
		d.cntTrafficErrors.Add(ctx, int64(tStats.Errors))
	}
	if tErr != nil {
		span.RecordError(tErr)
		d.log.Error("traffic aggregation failed", zap.Error(tErr))
	}

	span.SetAttributes(
		attribute.Int("reconcile.inbounds_created", rStats.InboundsCreated),
		attribute.Int("reconcile.clients_created", rStats.ClientsCreated),
		attribute.Int("reconcile.errors", rStats.Errors),
		attribute.Int("traffic.clients_seen", tStats.ClientsSeen),
		attribute.Int("traffic.updated", tStats.Updated),
		attribute.Int("traffic.errors", tStats.Errors),
	)

	if rErr != nil {
		return rErr
	}
	return tErr
}

// RunOnce performs a single reconcile+aggregate cycle and returns.
func (d *CycleDriver) RunOnce(ctx context.Context) error {
	return d.runCycle(ctx)
}

// Run starts the periodic cycle loop. It runs an immediate first pass, then
// repeats every interval until ctx is cancelled.
func (d *CycleDriver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	if err := d.runCycle(ctx); err != nil {
		d.log.Error("initial cycle failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			d.log.Info("cycle driver shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := d.runCycle(ctx); err != nil {
				d.log.Error("cycle failed", zap.Error(err))
			}
		}
	}
}
