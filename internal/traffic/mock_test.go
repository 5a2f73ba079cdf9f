package traffic

import (
	"context"
	"fmt"
	"sync"

	"github.com/proxyfleet/panelsync/internal/config"
	"github.com/proxyfleet/panelsync/internal/panel"
)

// mockPanelClient is an in-memory panel.PanelClient driving the aggregator
// tests: inbounds are fixed at seed time, and per-panel traffic counters can
// be updated by the test to simulate successive polling cycles.
type mockPanelClient struct {
	mu         sync.Mutex
	inbounds   map[string][]panel.Inbound
	traffic    map[string]map[string]counterPair // panel -> email -> counter
	loginFail  map[string]bool
	writeFail  map[string]bool
	readFail   map[string]bool
	loginCalls map[string]int
}

type counterPair struct{ Up, Down int64 }

func newMockPanelClient() *mockPanelClient {
	return &mockPanelClient{
		inbounds:   make(map[string][]panel.Inbound),
		traffic:    make(map[string]map[string]counterPair),
		loginFail:  make(map[string]bool),
		writeFail:  make(map[string]bool),
		readFail:   make(map[string]bool),
		loginCalls: make(map[string]int),
	}
}

func (m *mockPanelClient) seedInbounds(p config.Panel, inbounds ...panel.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbounds[p.NormalizedURL()] = inbounds
}

func (m *mockPanelClient) setTraffic(p config.Panel, email string, up, down int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	if m.traffic[base] == nil {
		m.traffic[base] = make(map[string]counterPair)
	}
	m.traffic[base][email] = counterPair{Up: up, Down: down}
}

func (m *mockPanelClient) trafficOf(p config.Panel, email string) (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.traffic[p.NormalizedURL()][email]
	return c.Up, c.Down
}

func (m *mockPanelClient) Login(_ context.Context, p config.Panel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginCalls[p.NormalizedURL()]++
	if m.loginFail[p.NormalizedURL()] {
		return fmt.Errorf("simulated login failure for %s", p.NormalizedURL())
	}
	return nil
}

func (m *mockPanelClient) ListInbounds(_ context.Context, p config.Panel) ([]panel.Inbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inbounds[p.NormalizedURL()], nil
}

func (m *mockPanelClient) AddInbound(context.Context, config.Panel, panel.Inbound) error { return nil }
func (m *mockPanelClient) UpdateInbound(context.Context, config.Panel, int64, panel.Inbound) error {
	return nil
}
func (m *mockPanelClient) DeleteInbound(context.Context, config.Panel, int64) error { return nil }
func (m *mockPanelClient) AddClient(context.Context, config.Panel, int64, panel.Client) error {
	return nil
}
func (m *mockPanelClient) UpdateClient(context.Context, config.Panel, string, int64, panel.Client) error {
	return nil
}
func (m *mockPanelClient) DeleteClient(context.Context, config.Panel, int64, string) error {
	return nil
}

func (m *mockPanelClient) GetClientTraffic(_ context.Context, p config.Panel, email string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	if m.readFail[base+"|"+email] {
		return 0, 0, fmt.Errorf("simulated read failure for %s@%s", email, base)
	}
	c := m.traffic[base][email]
	return c.Up, c.Down, nil
}

func (m *mockPanelClient) UpdateClientTraffic(_ context.Context, p config.Panel, email string, up, down int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.NormalizedURL()
	if m.writeFail[base+"|"+email] {
		return fmt.Errorf("simulated write failure for %s@%s", email, base)
	}
	if m.traffic[base] == nil {
		m.traffic[base] = make(map[string]counterPair)
	}
	m.traffic[base][email] = counterPair{Up: up, Down: down}
	return nil
}

var _ panel.PanelClient = (*mockPanelClient)(nil)
