package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proxyfleet/panelsync/internal/config"
	"github.com/proxyfleet/panelsync/internal/panel"
)

// Stats tracks the number of mutations performed in a single reconcile pass.
type Stats struct {
	InboundsCreated int
	InboundsUpdated int
	InboundsDeleted int
	ClientsCreated  int
	ClientsUpdated  int
	ClientsDeleted  int
	Errors          int
}

func (s *Stats) add(other Stats) {
	s.InboundsCreated += other.InboundsCreated
	s.InboundsUpdated += other.InboundsUpdated
	s.InboundsDeleted += other.InboundsDeleted
	s.ClientsCreated += other.ClientsCreated
	s.ClientsUpdated += other.ClientsUpdated
	s.ClientsDeleted += other.ClientsDeleted
	s.Errors += other.Errors
}

// Reconciler converges every node's inbound and client inventory to match
// the central panel's. It is stateless between calls.
type Reconciler struct {
	client  panel.PanelClient
	central config.Panel
	nodes   []config.Panel
	log     *zap.Logger
}

// NewReconciler creates a Reconciler wired to the given panel client and
// the central/node panel set from the loaded configuration.
func NewReconciler(client panel.PanelClient, central config.Panel, nodes []config.Panel, log *zap.Logger) *Reconciler {
	return &Reconciler{client: client, central: central, nodes: nodes, log: log}
}

// Reconcile performs one full inventory convergence pass: central's
// inbounds and clients are pushed to every configured node, honoring the
// SAFU activation policy per inbound. A failure to reach the central panel
// aborts the whole pass; per-node failures are logged and isolated so one
// bad node does not block the others.
func (r *Reconciler) Reconcile(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := r.client.Login(ctx, r.central); err != nil {
		return stats, fmt.Errorf("connecting to central server: %w", err)
	}

	centralInbounds, err := r.client.ListInbounds(ctx, r.central)
	if err != nil {
		return stats, fmt.Errorf("listing central inbounds: %w", err)
	}
	if len(centralInbounds) == 0 {
		return stats, fmt.Errorf("no inbounds retrieved from central server, skipping sync")
	}

	for _, node := range r.nodes {
		nodeStats, err := r.reconcileNode(ctx, node, centralInbounds)
		stats.add(nodeStats)
		if err != nil {
			r.log.Error("error syncing with node", zap.String("node", node.NormalizedURL()), zap.Error(err))
			stats.Errors++
		}
	}

	r.log.Info("reconcile complete",
		zap.Int("inbounds_created", stats.InboundsCreated),
		zap.Int("inbounds_updated", stats.InboundsUpdated),
		zap.Int("inbounds_deleted", stats.InboundsDeleted),
		zap.Int("clients_created", stats.ClientsCreated),
		zap.Int("clients_updated", stats.ClientsUpdated),
		zap.Int("clients_deleted", stats.ClientsDeleted),
		zap.Int("errors", stats.Errors),
	)

	return stats, nil
}

// reconcileNode converges one node's inbound and client inventory against
// centralInbounds.
func (r *Reconciler) reconcileNode(ctx context.Context, node config.Panel, centralInbounds []panel.Inbound) (Stats, error) {
	var stats Stats

	if err := r.client.Login(ctx, node); err != nil {
		return stats, fmt.Errorf("logging in to node: %w", err)
	}

	nodeInbounds, err := r.client.ListInbounds(ctx, node)
	if err != nil {
		return stats, fmt.Errorf("listing node inbounds: %w", err)
	}

	nodeInboundByID := make(map[int64]panel.Inbound, len(nodeInbounds))
	for _, ib := range nodeInbounds {
		nodeInboundByID[ib.ID] = ib
	}

	// Synchronize inbounds central -> node.
	centralIDs := make(map[int64]bool, len(centralInbounds))
	for _, cib := range centralInbounds {
		centralIDs[cib.ID] = true
		if _, ok := nodeInboundByID[cib.ID]; !ok {
			if err := r.client.AddInbound(ctx, node, cib); err != nil {
				r.log.Error("failed to add inbound on node", zap.Int64("inbound", cib.ID), zap.Error(err))
				stats.Errors++
				continue
			}
			stats.InboundsCreated++
		} else {
			if err := r.client.UpdateInbound(ctx, node, cib.ID, cib); err != nil {
				r.log.Error("failed to update inbound on node", zap.Int64("inbound", cib.ID), zap.Error(err))
				stats.Errors++
				continue
			}
			stats.InboundsUpdated++
		}
	}

	// Remove inbounds absent from central.
	for id := range nodeInboundByID {
		if centralIDs[id] {
			continue
		}
		if err := r.client.DeleteInbound(ctx, node, id); err != nil {
			r.log.Error("failed to delete inbound on node", zap.Int64("inbound", id), zap.Error(err))
			stats.Errors++
			continue
		}
		stats.InboundsDeleted++
	}

	now := time.Now()
	for _, cib := range centralInbounds {
		r.reconcileClients(ctx, node, cib, nodeInboundByID, now, &stats)
	}

	return stats, nil
}

// reconcileClients applies the SAFU merge policy and converges the client
// list of a single inbound between central and node.
func (r *Reconciler) reconcileClients(ctx context.Context, node config.Panel, cib panel.Inbound, nodeInboundByID map[int64]panel.Inbound, now time.Time, stats *Stats) {
	protocol := cib.Protocol
	cClients := panel.ParseClients(cib.Settings)

	var nClients []panel.Client
	if nib, ok := nodeInboundByID[cib.ID]; ok {
		nClients = panel.ParseClients(nib.Settings)
	}

	nClientMap := make(map[string]panel.Client, len(nClients))
	for _, cl := range nClients {
		if k := ClientKey(cl, protocol); k != "" {
			nClientMap[k] = cl
		}
	}
	cClientMap := make(map[string]panel.Client, len(cClients))
	for _, cl := range cClients {
		if k := ClientKey(cl, protocol); k != "" {
			cClientMap[k] = cl
		}
	}

	anyFreshSAFU := false
	for _, ccl := range cClients {
		if IsSAFUFresh(ccl) {
			anyFreshSAFU = true
			break
		}
	}

	if anyFreshSAFU {
		// Central has a fresh SAFU client waiting for activation: push it to
		// the node as-is and skip the node->central promotion entirely.
		for k, ccl := range cClientMap {
			if !IsSAFUFresh(ccl) {
				continue
			}
			if ncl, ok := nClientMap[k]; ok {
				if nid := ClientAPIID(ncl, protocol); nid != "" {
					if err := r.client.UpdateClient(ctx, node, nid, cib.ID, ccl); err != nil {
						r.log.Error("failed to push SAFU client from central to node",
							zap.String("client", k), zap.Error(err))
						stats.Errors++
					} else {
						stats.ClientsUpdated++
					}
				}
			} else {
				if err := r.client.AddClient(ctx, node, cib.ID, ccl); err != nil {
					r.log.Error("failed to add SAFU client to node", zap.String("client", k), zap.Error(err))
					stats.Errors++
				} else {
					stats.ClientsCreated++
				}
			}
		}
	} else {
		// No fresh SAFU on central: promote an active start time from node
		// to central when the node has already activated a client that
		// central still shows as unstarted.
		for k, ccl := range cClientMap {
			ncl, ok := nClientMap[k]
			if !ok {
				continue
			}

			centralStartedActive := IsActiveStarted(ccl, now)
			nodeStartedActive := IsActiveStarted(ncl, now)
			if centralStartedActive || !nodeStartedActive {
				continue
			}

			centralExp := ccl.ExpiryTime
			nodeExp := ncl.ExpiryTime
			merged := nodeExp
			if centralExp > 0 && centralExp < nodeExp {
				merged = centralExp
			}
			if merged == centralExp || merged <= now.UnixMilli() {
				continue
			}

			ccl.ExpiryTime = merged
			if ccl.StartAfterFirstUse {
				ccl.StartAfterFirstUse = false
			}
			cClientMap[k] = ccl

			clientID := ClientAPIID(ccl, protocol)
			if clientID == "" {
				clientID = ClientAPIID(ncl, protocol)
			}
			if clientID == "" {
				r.log.Warn("missing client id for SAFU merge",
					zap.String("protocol", string(protocol)), zap.String("client", k), zap.Int64("inbound", cib.ID))
				continue
			}
			if err := r.client.UpdateClient(ctx, r.central, clientID, cib.ID, ccl); err != nil {
				r.log.Error("failed to update central client after SAFU merge",
					zap.String("client", k), zap.Error(err))
				stats.Errors++
				continue
			}
			stats.ClientsUpdated++
			r.log.Info("expiry merged to central",
				zap.String("client", k), zap.Int64("inbound", cib.ID),
				zap.Int64("from", centralExp), zap.Int64("to", merged))
		}
	}

	// Final push: the (possibly merged) central version goes to the node.
	for _, ccl := range cClients {
		k := ClientKey(ccl, protocol)
		if merged, ok := cClientMap[k]; ok && k != "" {
			ccl = merged
		}

		if ncl, ok := nClientMap[k]; ok && k != "" {
			nid := ClientAPIID(ncl, protocol)
			if err := r.client.UpdateClient(ctx, node, nid, cib.ID, ccl); err != nil {
				r.log.Error("failed to update client on node", zap.String("client", k), zap.Error(err))
				stats.Errors++
			} else {
				stats.ClientsUpdated++
			}
			// Removed from deletion candidates regardless of outcome: a
			// transient update failure is not retried within this cycle.
			delete(nClientMap, k)
		} else {
			if err := r.client.AddClient(ctx, node, cib.ID, ccl); err != nil {
				r.log.Error("failed to add client on node", zap.String("client", k), zap.Error(err))
				stats.Errors++
			} else {
				stats.ClientsCreated++
			}
		}
	}

	// Remove node clients no longer present on central.
	for k, ncl := range nClientMap {
		nClid := ClientAPIID(ncl, protocol)
		if nClid == "" {
			continue
		}
		if err := r.client.DeleteClient(ctx, node, cib.ID, nClid); err != nil {
			r.log.Error("failed to delete extra client on node", zap.String("client", k), zap.Error(err))
			stats.Errors++
			continue
		}
		stats.ClientsDeleted++
	}
}
