package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/proxyfleet/panelsync/internal/config"
	"github.com/proxyfleet/panelsync/internal/panel"
)

// mockPanelClient is an in-memory panel.PanelClient keyed by normalized
// panel URL, used to drive reconciler tests without any HTTP traffic.
type mockPanelClient struct {
	mu       sync.Mutex
	inbounds map[string]map[int64]panel.Inbound // panel URL -> inbound ID -> inbound
	logins   map[string]int

	failAddClient    map[string]bool // key: panel|clientKey
	failUpdateClient map[string]bool
	failDeleteClient map[string]bool
}

func newMockPanelClient() *mockPanelClient {
	return &mockPanelClient{
		inbounds:         make(map[string]map[int64]panel.Inbound),
		logins:           make(map[string]int),
		failAddClient:    make(map[string]bool),
		failUpdateClient: make(map[string]bool),
		failDeleteClient: make(map[string]bool),
	}
}

func (m *mockPanelClient) seed(p config.Panel, inbounds ...panel.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	byID := make(map[int64]panel.Inbound, len(inbounds))
	for _, ib := range inbounds {
		byID[ib.ID] = ib
	}
	m.inbounds[base] = byID
}

func (m *mockPanelClient) Login(_ context.Context, p config.Panel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[p.NormalizedURL()]++
	return nil
}

func (m *mockPanelClient) ListInbounds(_ context.Context, p config.Panel) ([]panel.Inbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.inbounds[p.NormalizedURL()]
	out := make([]panel.Inbound, 0, len(byID))
	for _, ib := range byID {
		out = append(out, ib)
	}
	return out, nil
}

func (m *mockPanelClient) AddInbound(_ context.Context, p config.Panel, inbound panel.Inbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	if m.inbounds[base] == nil {
		m.inbounds[base] = make(map[int64]panel.Inbound)
	}
	m.inbounds[base][inbound.ID] = inbound
	return nil
}

func (m *mockPanelClient) UpdateInbound(_ context.Context, p config.Panel, id int64, inbound panel.Inbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	if m.inbounds[base] == nil {
		return fmt.Errorf("no inbounds for %s", base)
	}
	m.inbounds[base][id] = inbound
	return nil
}

func (m *mockPanelClient) DeleteInbound(_ context.Context, p config.Panel, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inbounds[p.NormalizedURL()], id)
	return nil
}

func (m *mockPanelClient) clientsOf(base string, inboundID int64) []panel.Client {
	ib, ok := m.inbounds[base][inboundID]
	if !ok {
		return nil
	}
	return panel.ParseClients(ib.Settings)
}

func (m *mockPanelClient) setClients(base string, inboundID int64, clients []panel.Client) {
	ib := m.inbounds[base][inboundID]
	encoded, _ := panel.EncodeClients(clients...)
	ib.Settings = encoded
	m.inbounds[base][inboundID] = ib
}

func (m *mockPanelClient) AddClient(_ context.Context, p config.Panel, inboundID int64, client panel.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	protocol := m.inbounds[base][inboundID].Protocol
	k := ClientKey(client, protocol)
	if m.failAddClient[base+"|"+k] {
		return fmt.Errorf("simulated add failure for %s", k)
	}
	clients := m.clientsOf(base, inboundID)
	// Like a panel, keep one entry per client identity.
	for i, c := range clients {
		if ClientKey(c, protocol) == k {
			clients[i] = client
			m.setClients(base, inboundID, clients)
			return nil
		}
	}
	clients = append(clients, client)
	m.setClients(base, inboundID, clients)
	return nil
}

func (m *mockPanelClient) UpdateClient(_ context.Context, p config.Panel, clientID string, inboundID int64, client panel.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	k := ClientKey(client, m.inbounds[base][inboundID].Protocol)
	if m.failUpdateClient[base+"|"+k] {
		return fmt.Errorf("simulated update failure for %s", k)
	}
	protocol := m.inbounds[base][inboundID].Protocol
	clients := m.clientsOf(base, inboundID)
	for i, c := range clients {
		if ClientAPIID(c, protocol) == clientID {
			clients[i] = client
			m.setClients(base, inboundID, clients)
			return nil
		}
	}
	return fmt.Errorf("client %q not found on %s inbound %d", clientID, base, inboundID)
}

func (m *mockPanelClient) DeleteClient(_ context.Context, p config.Panel, inboundID int64, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	if m.failDeleteClient[base+"|"+clientID] {
		return fmt.Errorf("simulated delete failure for %s", clientID)
	}
	protocol := m.inbounds[base][inboundID].Protocol
	clients := m.clientsOf(base, inboundID)
	out := clients[:0]
	for _, c := range clients {
		if ClientAPIID(c, protocol) != clientID {
			out = append(out, c)
		}
	}
	m.setClients(base, inboundID, out)
	return nil
}

func (m *mockPanelClient) GetClientTraffic(_ context.Context, _ config.Panel, _ string) (int64, int64, error) {
	return 0, 0, nil
}

func (m *mockPanelClient) UpdateClientTraffic(_ context.Context, _ config.Panel, _ string, _, _ int64) error {
	return nil
}

var _ panel.PanelClient = (*mockPanelClient)(nil)
