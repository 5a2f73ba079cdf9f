package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/proxyfleet/panelsync/internal/config"
	"github.com/proxyfleet/panelsync/internal/panel"
	"github.com/proxyfleet/panelsync/internal/reconcile"
	"github.com/proxyfleet/panelsync/internal/state"
	"github.com/proxyfleet/panelsync/internal/traffic"
)

// fakePanelClient is a minimal in-memory panel.PanelClient shared by the
// reconciler and aggregator for one end-to-end cycle test.
type fakePanelClient struct {
	inbounds map[string]map[int64]panel.Inbound
	traffic  map[string]map[string][2]int64
}

func newFakePanelClient() *fakePanelClient {
	return &fakePanelClient{
		inbounds: make(map[string]map[int64]panel.Inbound),
		traffic:  make(map[string]map[string][2]int64),
	}
}

func (f *fakePanelClient) seed(p config.Panel, inbounds ...panel.Inbound) {
	byID := make(map[int64]panel.Inbound, len(inbounds))
	for _, ib := range inbounds {
		byID[ib.ID] = ib
	}
	f.inbounds[p.NormalizedURL()] = byID
}

func (f *fakePanelClient) setTraffic(p config.Panel, email string, up, down int64) {
	base := p.NormalizedURL()
	if f.traffic[base] == nil {
		f.traffic[base] = make(map[string][2]int64)
	}
	f.traffic[base][email] = [2]int64{up, down}
}

func (f *fakePanelClient) Login(context.Context, config.Panel) error { return nil }

func (f *fakePanelClient) ListInbounds(_ context.Context, p config.Panel) ([]panel.Inbound, error) {
	byID := f.inbounds[p.NormalizedURL()]
	out := make([]panel.Inbound, 0, len(byID))
	for _, ib := range byID {
		out = append(out, ib)
	}
	return out, nil
}

func (f *fakePanelClient) AddInbound(_ context.Context, p config.Panel, inbound panel.Inbound) error {
	base := p.NormalizedURL()
	if f.inbounds[base] == nil {
		f.inbounds[base] = make(map[int64]panel.Inbound)
	}
	f.inbounds[base][inbound.ID] = inbound
	return nil
}

func (f *fakePanelClient) UpdateInbound(_ context.Context, p config.Panel, id int64, inbound panel.Inbound) error {
	f.inbounds[p.NormalizedURL()][id] = inbound
	return nil
}

func (f *fakePanelClient) DeleteInbound(_ context.Context, p config.Panel, id int64) error {
	delete(f.inbounds[p.NormalizedURL()], id)
	return nil
}

func (f *fakePanelClient) clientsOf(base string, inboundID int64) []panel.Client {
	ib, ok := f.inbounds[base][inboundID]
	if !ok {
		return nil
	}
	return panel.ParseClients(ib.Settings)
}

func (f *fakePanelClient) setClients(base string, inboundID int64, clients []panel.Client) {
	ib := f.inbounds[base][inboundID]
	encoded, _ := panel.EncodeClients(clients...)
	ib.Settings = encoded
	f.inbounds[base][inboundID] = ib
}

func (f *fakePanelClient) AddClient(_ context.Context, p config.Panel, inboundID int64, client panel.Client) error {
	base := p.NormalizedURL()
	protocol := f.inbounds[base][inboundID].Protocol
	clients := f.clientsOf(base, inboundID)
	// Like a panel, keep one entry per client identity.
	for i, c := range clients {
		if reconcile.ClientKey(c, protocol) == reconcile.ClientKey(client, protocol) {
			clients[i] = client
			f.setClients(base, inboundID, clients)
			return nil
		}
	}
	f.setClients(base, inboundID, append(clients, client))
	return nil
}

func (f *fakePanelClient) UpdateClient(_ context.Context, p config.Panel, clientID string, inboundID int64, client panel.Client) error {
	base := p.NormalizedURL()
	protocol := f.inbounds[base][inboundID].Protocol
	clients := f.clientsOf(base, inboundID)
	for i, c := range clients {
		if reconcile.ClientAPIID(c, protocol) == clientID {
			clients[i] = client
			f.setClients(base, inboundID, clients)
			return nil
		}
	}
	return nil
}

func (f *fakePanelClient) DeleteClient(_ context.Context, p config.Panel, inboundID int64, clientID string) error {
	base := p.NormalizedURL()
	protocol := f.inbounds[base][inboundID].Protocol
	clients := f.clientsOf(base, inboundID)
	out := clients[:0]
	for _, c := range clients {
		if reconcile.ClientAPIID(c, protocol) != clientID {
			out = append(out, c)
		}
	}
	f.setClients(base, inboundID, out)
	return nil
}

func (f *fakePanelClient) GetClientTraffic(_ context.Context, p config.Panel, email string) (int64, int64, error) {
	c := f.traffic[p.NormalizedURL()][email]
	return c[0], c[1], nil
}

func (f *fakePanelClient) UpdateClientTraffic(_ context.Context, p config.Panel, email string, up, down int64) error {
	f.setTraffic(p, email, up, down)
	return nil
}

var _ panel.PanelClient = (*fakePanelClient)(nil)

func TestCycleDriver_RunOnceReconcilesAndAggregates(t *testing.T) {
	central := config.Panel{URL: "https://central.example"}
	node1 := config.Panel{URL: "https://node1.example"}

	client := newFakePanelClient()
	cClient := panel.Client{ID: "c1", Email: "user@example.com", Enable: true}
	encoded, err := panel.EncodeClients(cClient)
	if err != nil {
		t.Fatalf("EncodeClients: %v", err)
	}
	client.seed(central, panel.Inbound{ID: 1, Protocol: panel.ProtocolVMess, Settings: encoded})
	client.seed(node1) // node starts empty, reconcile must populate it
	client.setTraffic(central, "user@example.com", 100, 200)

	path := filepath.Join(t.TempDir(), "engine-test.db")
	store, err := state.Open(path, state.Options{WAL: true, Synchronous: "NORMAL", CacheSizeMB: 20})
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	defer func() { _ = store.Close() }()

	log := zap.NewNop()
	reconciler := reconcile.NewReconciler(client, central, []config.Panel{node1}, log)
	aggregator := traffic.NewAggregator(client, store, central, []config.Panel{node1}, 8, true, log)
	driver := NewCycleDriver(reconciler, aggregator, time.Minute, log)

	if err := driver.RunOnce(t.Context()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	nodeClients := client.clientsOf(node1.NormalizedURL(), 1)
	if len(nodeClients) != 1 || nodeClients[0].Email != "user@example.com" {
		t.Fatalf("reconcile did not push client to node: %+v", nodeClients)
	}

	total, err := store.GetTotal(t.Context(), "user@example.com")
	if err != nil {
		t.Fatalf("GetTotal: %v", err)
	}
	if total.Up != 100 || total.Down != 200 {
		t.Errorf("traffic total = %+v, want (100, 200) from first observation", total)
	}
}
