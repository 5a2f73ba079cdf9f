// Package traffic reads per-client byte counters from the central panel and
// every node, turns them into incremental deltas against persisted
// baselines, and writes the running total back out to the whole fleet.
package traffic

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proxyfleet/panelsync/internal/config"
	"github.com/proxyfleet/panelsync/internal/panel"
	"github.com/proxyfleet/panelsync/internal/state"
)

// Stats summarizes one aggregation pass.
type Stats struct {
	ClientsSeen     int
	CyclesInitiated int
	CentralResets   int
	Updated         int
	Errors          int
}

// Aggregator reconciles per-client traffic counters across the central panel
// and every node, accumulating deltas into the state store and pushing the
// new cycle total back to the fleet.
type Aggregator struct {
	client     panel.PanelClient
	store      *state.Store
	central    config.Panel
	nodes      []config.Panel
	maxWorkers int
	parallel   bool
	log        *zap.Logger
}

// NewAggregator creates an Aggregator. maxWorkers bounds the concurrent node
// traffic reads per client when parallel reads are enabled.
func NewAggregator(client panel.PanelClient, store *state.Store, central config.Panel, nodes []config.Panel, maxWorkers int, parallel bool, log *zap.Logger) *Aggregator {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Aggregator{
		client:     client,
		store:      store,
		central:    central,
		nodes:      nodes,
		maxWorkers: maxWorkers,
		parallel:   parallel,
		log:        log,
	}
}

// Aggregate performs one full traffic accounting pass. A failure to reach
// the central panel is fatal to the pass; per-client failures are logged
// and isolated so the rest of the fleet's clients still get processed.
func (a *Aggregator) Aggregate(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := a.client.Login(ctx, a.central); err != nil {
		return stats, fmt.Errorf("connecting to central server: %w", err)
	}
	centralInbounds, err := a.client.ListInbounds(ctx, a.central)
	if err != nil {
		return stats, fmt.Errorf("listing central inbounds: %w", err)
	}
	if len(centralInbounds) == 0 {
		return stats, fmt.Errorf("no inbounds retrieved from central server, skipping traffic aggregation")
	}

	emails := collectEmails(centralInbounds)
	stats.ClientsSeen = len(emails)

	var liveNodes []config.Panel
	for _, node := range a.nodes {
		if err := a.client.Login(ctx, node); err != nil {
			a.log.Error("skipping node for this cycle: login failed",
				zap.String("node", node.NormalizedURL()), zap.Error(err))
			continue
		}
		liveNodes = append(liveNodes, node)
	}

	for _, email := range emails {
		if err := a.aggregateClient(ctx, email, liveNodes, &stats); err != nil {
			a.log.Error("traffic aggregation failed for client", zap.String("email", email), zap.Error(err))
			stats.Errors++
		}
	}

	a.log.Info("traffic aggregation complete",
		zap.Int("clients_seen", stats.ClientsSeen),
		zap.Int("cycles_initiated", stats.CyclesInitiated),
		zap.Int("central_resets", stats.CentralResets),
		zap.Int("updated", stats.Updated),
		zap.Int("errors", stats.Errors),
	)
	return stats, nil
}

// collectEmails builds the set of client emails worth tracking: the union of
// every email in any inbound's clientStats array and every email in every
// inbound's parsed settings.clients list.
func collectEmails(inbounds []panel.Inbound) []string {
	seen := make(map[string]bool)
	var emails []string
	add := func(email string) {
		if email == "" || seen[email] {
			return
		}
		seen[email] = true
		emails = append(emails, email)
	}
	for _, ib := range inbounds {
		for _, cs := range ib.ClientStats {
			add(cs.Email)
		}
		for _, c := range panel.ParseClients(ib.Settings) {
			add(c.Email)
		}
	}
	return emails
}

// readCurrents reads one client's (up, down) counters from central serially,
// then from every live node — concurrently, bounded by maxWorkers, when
// parallel reads are enabled, else serially. A failed read substitutes
// (0, 0) and is logged rather than failing the whole read phase.
func (a *Aggregator) readCurrents(ctx context.Context, email string, nodes []config.Panel) map[string]state.Counter {
	currents := make(map[string]state.Counter, len(nodes)+1)

	cUp, cDown, err := a.client.GetClientTraffic(ctx, a.central, email)
	if err != nil {
		a.log.Error("traffic read failed", zap.String("email", email), zap.String("panel", a.central.NormalizedURL()), zap.Error(err))
		cUp, cDown = 0, 0
	}
	currents[a.central.NormalizedURL()] = state.Counter{Up: cUp, Down: cDown}

	if len(nodes) == 0 {
		return currents
	}

	type result struct {
		url string
		c   state.Counter
	}
	results := make([]result, len(nodes))

	if a.parallel {
		workers := a.maxWorkers
		if workers > len(nodes) {
			workers = len(nodes)
		}
		if workers < 1 {
			workers = 1
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, node := range nodes {
			i, node := i, node
			g.Go(func() error {
				up, down, err := a.client.GetClientTraffic(gctx, node, email)
				if err != nil {
					a.log.Error("traffic read failed", zap.String("email", email), zap.String("panel", node.NormalizedURL()), zap.Error(err))
					up, down = 0, 0
				}
				results[i] = result{url: node.NormalizedURL(), c: state.Counter{Up: up, Down: down}}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, node := range nodes {
			up, down, err := a.client.GetClientTraffic(ctx, node, email)
			if err != nil {
				a.log.Error("traffic read failed", zap.String("email", email), zap.String("panel", node.NormalizedURL()), zap.Error(err))
				up, down = 0, 0
			}
			results[i] = result{url: node.NormalizedURL(), c: state.Counter{Up: up, Down: down}}
		}
	}

	for _, r := range results {
		currents[r.url] = r.c
	}
	return currents
}

// aggregateClient runs the read, initialization/reset-detection, delta
// accounting, and commit phases for one client.
func (a *Aggregator) aggregateClient(ctx context.Context, email string, nodes []config.Panel, stats *Stats) error {
	centralURL := a.central.NormalizedURL()
	currents := a.readCurrents(ctx, email, nodes)
	central := currents[centralURL]

	lastCentral, hasBaseline, err := a.store.GetLastCounter(ctx, email, centralURL)
	if err != nil {
		return fmt.Errorf("reading central baseline: %w", err)
	}
	if !hasBaseline {
		if err := a.beginCycle(ctx, email, currents, centralURL, nodes); err != nil {
			return err
		}
		stats.CyclesInitiated++
		a.log.Info("started new traffic cycle", zap.String("email", email), zap.Int64("up", central.Up), zap.Int64("down", central.Down))
		return nil
	}

	if central.Up < lastCentral.Up || central.Down < lastCentral.Down {
		if err := a.beginCycle(ctx, email, currents, centralURL, nodes); err != nil {
			return err
		}
		stats.CentralResets++
		a.log.Warn("central counter reset detected, starting new cycle",
			zap.String("email", email), zap.Int64("last_up", lastCentral.Up), zap.Int64("last_down", lastCentral.Down),
			zap.Int64("up", central.Up), zap.Int64("down", central.Down))
		return nil
	}

	return a.applyDeltas(ctx, email, currents, nodes, stats)
}

// beginCycle resets accounting for a client to the central panel's current
// snapshot and realigns every panel's baseline to it. Used both for a
// client's first observation and for a detected central counter reset.
func (a *Aggregator) beginCycle(ctx context.Context, email string, currents map[string]state.Counter, centralURL string, nodes []config.Panel) error {
	currentsByServer := make(map[string]state.Counter, len(currents))
	for url, c := range currents {
		currentsByServer[url] = c
	}
	if err := a.store.ResetCycle(ctx, email, currentsByServer, centralURL); err != nil {
		return fmt.Errorf("resetting cycle: %w", err)
	}

	total := currents[centralURL]
	if err := a.client.UpdateClientTraffic(ctx, a.central, email, total.Up, total.Down); err != nil {
		a.log.Error("failed to write reset total to central", zap.String("email", email), zap.Error(err))
	} else if _, err := a.store.SetLastCounter(ctx, email, centralURL, total); err != nil {
		return fmt.Errorf("updating central baseline: %w", err)
	}
	for _, node := range nodes {
		nodeURL := node.NormalizedURL()
		if _, ok := currents[nodeURL]; !ok {
			continue
		}
		if err := a.client.UpdateClientTraffic(ctx, node, email, total.Up, total.Down); err != nil {
			a.log.Error("failed to write reset total to node", zap.String("email", email), zap.String("node", nodeURL), zap.Error(err))
			continue
		}
		if _, err := a.store.SetLastCounter(ctx, email, nodeURL, total); err != nil {
			return fmt.Errorf("updating node baseline: %w", err)
		}
	}
	return nil
}

// applyDeltas runs the normal delta path: compute each panel's contribution
// since its last observed baseline, accumulate per-node totals, and commit
// the new running total to the fleet if anything changed.
func (a *Aggregator) applyDeltas(ctx context.Context, email string, currents map[string]state.Counter, nodes []config.Panel, stats *Stats) error {
	total, err := a.store.GetTotal(ctx, email)
	if err != nil {
		return fmt.Errorf("reading running total: %w", err)
	}

	var addedUp, addedDown int64
	for panelURL, cur := range currents {
		last, ok, err := a.store.GetLastCounter(ctx, email, panelURL)
		if err != nil {
			return fmt.Errorf("reading baseline for %q: %w", panelURL, err)
		}
		if !ok {
			if _, err := a.store.SetLastCounter(ctx, email, panelURL, cur); err != nil {
				return fmt.Errorf("seeding baseline for %q: %w", panelURL, err)
			}
			continue
		}

		var delta state.Counter
		if cur.Up >= last.Up && cur.Down >= last.Down {
			delta = state.Counter{Up: cur.Up - last.Up, Down: cur.Down - last.Down}
		} else {
			delta = cur
			a.log.Warn("per-panel counter reset detected, using absolute value as delta",
				zap.String("email", email), zap.String("panel", panelURL))
		}

		if delta.Up > 0 || delta.Down > 0 {
			addedUp += delta.Up
			addedDown += delta.Down
		}
		// add_node_delta runs for every panel including central, mirroring
		// the unrestricted per-server loop this is grounded on.
		if err := a.store.AddNodeDelta(ctx, email, panelURL, delta); err != nil {
			return fmt.Errorf("accumulating delta for %q: %w", panelURL, err)
		}
	}

	if addedUp == 0 && addedDown == 0 {
		return nil
	}

	newTotal := state.Counter{Up: total.Up + addedUp, Down: total.Down + addedDown}
	changed, err := a.store.SetTotal(ctx, email, newTotal)
	if err != nil {
		return fmt.Errorf("writing running total: %w", err)
	}
	if !changed {
		return nil
	}

	centralURL := a.central.NormalizedURL()
	if err := a.client.UpdateClientTraffic(ctx, a.central, email, newTotal.Up, newTotal.Down); err != nil {
		a.log.Error("failed to push total to central", zap.String("email", email), zap.Error(err))
	} else if _, err := a.store.SetLastCounter(ctx, email, centralURL, newTotal); err != nil {
		return fmt.Errorf("updating central baseline: %w", err)
	}

	var nodeBaselines []state.ServerCounter
	for _, node := range nodes {
		if _, ok := currents[node.NormalizedURL()]; !ok {
			continue
		}
		if err := a.client.UpdateClientTraffic(ctx, node, email, newTotal.Up, newTotal.Down); err != nil {
			a.log.Error("failed to push total to node", zap.String("email", email), zap.String("node", node.NormalizedURL()), zap.Error(err))
			continue
		}
		nodeBaselines = append(nodeBaselines, state.ServerCounter{ServerURL: node.NormalizedURL(), Counter: newTotal})
	}
	if len(nodeBaselines) > 0 {
		if err := a.store.SetLastCountersBatch(ctx, email, nodeBaselines); err != nil {
			return fmt.Errorf("updating node baselines: %w", err)
		}
	}

	stats.Updated++
	a.log.Info("traffic delta applied", zap.String("email", email), zap.Int64("added_up", addedUp), zap.Int64("added_down", addedDown))
	return nil
}
