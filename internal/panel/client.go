package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proxyfleet/panelsync/internal/config"
)

// PanelClient is the set of operations the reconciler and aggregator need
// against a panel (central or node). Defined as an interface so tests can
// inject a fake implementation.
type PanelClient interface {
	Login(ctx context.Context, p config.Panel) error
	ListInbounds(ctx context.Context, p config.Panel) ([]Inbound, error)
	AddInbound(ctx context.Context, p config.Panel, inbound Inbound) error
	UpdateInbound(ctx context.Context, p config.Panel, id int64, inbound Inbound) error
	DeleteInbound(ctx context.Context, p config.Panel, id int64) error
	AddClient(ctx context.Context, p config.Panel, inboundID int64, client Client) error
	UpdateClient(ctx context.Context, p config.Panel, clientID string, inboundID int64, client Client) error
	DeleteClient(ctx context.Context, p config.Panel, inboundID int64, clientID string) error
	GetClientTraffic(ctx context.Context, p config.Panel, email string) (up, down int64, err error)
	UpdateClientTraffic(ctx context.Context, p config.Panel, email string, up, down int64) error
}

// apiResponse is the {success, msg, obj} envelope every panel endpoint
// returns.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// APIManager is the concrete [PanelClient], keeping one persistent
// cookie-based HTTP session per panel base URL, reused across reconcile
// cycles.
type APIManager struct {
	mu            sync.Mutex
	sessions      map[string]*http.Client
	lastValidated map[string]time.Time
	validateTTL   time.Duration
	timeout       time.Duration
	log           *zap.Logger
}

// NewAPIManager creates an APIManager. timeout bounds every individual HTTP
// request; validateTTL is how long a previously-validated session is reused
// before a fresh /panel/api/inbounds/list probe (or /login) is required.
func NewAPIManager(timeout, validateTTL time.Duration, log *zap.Logger) *APIManager {
	return &APIManager{
		sessions:      make(map[string]*http.Client),
		lastValidated: make(map[string]time.Time),
		validateTTL:   validateTTL,
		timeout:       timeout,
		log:           log,
	}
}

// session returns the persistent *http.Client for a base URL, creating one
// with a fresh cookie jar on first use.
func (m *APIManager) session(base string) *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hc, ok := m.sessions[base]; ok {
		return hc
	}
	jar, _ := cookiejar.New(nil)
	hc := &http.Client{Jar: jar, Timeout: m.timeout}
	m.sessions[base] = hc
	return hc
}

func (m *APIManager) markValidated(base string) {
	m.mu.Lock()
	m.lastValidated[base] = time.Now()
	m.mu.Unlock()
}

func (m *APIManager) isValidated(base string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.lastValidated[base]
	return ok && time.Since(ts) < m.validateTTL
}

// validateSession checks whether the current session for base is still
// usable, reusing the TTL if recently confirmed and otherwise issuing a
// lightweight list-inbounds probe.
func (m *APIManager) validateSession(ctx context.Context, base string) bool {
	if m.isValidated(base) {
		return true
	}
	resp, err := m.doRequest(ctx, http.MethodGet, base+"/panel/api/inbounds/list", nil)
	if err != nil {
		return false
	}
	if resp.Success {
		m.markValidated(base)
	}
	return resp.Success
}

// Login validates an existing session and reuses it within the TTL,
// otherwise performs a fresh POST of credentials to /login.
func (m *APIManager) Login(ctx context.Context, p config.Panel) error {
	base := p.NormalizedURL()
	if m.validateSession(ctx, base) {
		m.log.Debug("reusing panel session", zap.String("panel", base))
		return nil
	}

	payload := map[string]string{"username": p.Username, "password": p.Password}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding login payload for %s: %w", base, err)
	}

	resp, err := m.doRequest(ctx, http.MethodPost, base+"/login", body)
	if err != nil {
		return fmt.Errorf("login request to %s: %w", base, err)
	}
	if !resp.Success {
		return fmt.Errorf("login failed for %s: %s", base, resp.Msg)
	}
	m.markValidated(base)
	m.log.Info("logged in to panel", zap.String("panel", base))
	return nil
}

// ListInbounds fetches all inbounds from a panel. On error it logs and
// returns an empty slice rather than propagating — panel reads degrade
// gracefully within a cycle.
func (m *APIManager) ListInbounds(ctx context.Context, p config.Panel) ([]Inbound, error) {
	base := p.NormalizedURL()
	resp, err := m.doRequest(ctx, http.MethodGet, base+"/panel/api/inbounds/list", nil)
	if err != nil {
		m.log.Error("error fetching inbounds", zap.String("panel", base), zap.Error(err))
		return nil, nil
	}
	if len(resp.Obj) == 0 {
		return nil, nil
	}
	var inbounds []Inbound
	if err := json.Unmarshal(resp.Obj, &inbounds); err != nil {
		m.log.Error("error decoding inbounds", zap.String("panel", base), zap.Error(err))
		return nil, nil
	}
	return inbounds, nil
}

// AddInbound creates a new inbound on the panel, forwarding it verbatim.
func (m *APIManager) AddInbound(ctx context.Context, p config.Panel, inbound Inbound) error {
	base := p.NormalizedURL()
	body, err := json.Marshal(inbound)
	if err != nil {
		return fmt.Errorf("encoding inbound %d for %s: %w", inbound.ID, base, err)
	}
	return m.mutate(ctx, base+"/panel/api/inbounds/add", body,
		fmt.Sprintf("add inbound %d on %s", inbound.ID, base))
}

// UpdateInbound updates an existing inbound on the panel.
func (m *APIManager) UpdateInbound(ctx context.Context, p config.Panel, id int64, inbound Inbound) error {
	base := p.NormalizedURL()
	body, err := json.Marshal(inbound)
	if err != nil {
		return fmt.Errorf("encoding inbound %d for %s: %w", id, base, err)
	}
	path := fmt.Sprintf("%s/panel/api/inbounds/update/%d", base, id)
	return m.mutate(ctx, path, body, fmt.Sprintf("update inbound %d on %s", id, base))
}

// DeleteInbound removes an inbound from the panel.
func (m *APIManager) DeleteInbound(ctx context.Context, p config.Panel, id int64) error {
	base := p.NormalizedURL()
	path := fmt.Sprintf("%s/panel/api/inbounds/del/%d", base, id)
	return m.mutate(ctx, path, nil, fmt.Sprintf("delete inbound %d on %s", id, base))
}

// AddClient adds a client to an inbound via the addClient endpoint.
func (m *APIManager) AddClient(ctx context.Context, p config.Panel, inboundID int64, client Client) error {
	base := p.NormalizedURL()
	settings, err := EncodeClients(client)
	if err != nil {
		return fmt.Errorf("encoding client %q for %s: %w", client.Email, base, err)
	}
	body, err := json.Marshal(map[string]any{"id": inboundID, "settings": settings})
	if err != nil {
		return fmt.Errorf("encoding addClient payload for %s: %w", base, err)
	}
	return m.mutate(ctx, base+"/panel/api/inbounds/addClient", body,
		fmt.Sprintf("add client %q on %s", client.Email, base))
}

// UpdateClient updates a client identified by clientID (the protocol's
// api-id, URL path-escaped).
func (m *APIManager) UpdateClient(ctx context.Context, p config.Panel, clientID string, inboundID int64, client Client) error {
	base := p.NormalizedURL()
	settings, err := EncodeClients(client)
	if err != nil {
		return fmt.Errorf("encoding client %q for %s: %w", client.Email, base, err)
	}
	body, err := json.Marshal(map[string]any{"id": inboundID, "settings": settings})
	if err != nil {
		return fmt.Errorf("encoding updateClient payload for %s: %w", base, err)
	}
	path := fmt.Sprintf("%s/panel/api/inbounds/updateClient/%s", base, url.PathEscape(clientID))
	return m.mutate(ctx, path, body, fmt.Sprintf("update client %q on %s", clientID, base))
}

// DeleteClient removes a client identified by clientID from an inbound.
func (m *APIManager) DeleteClient(ctx context.Context, p config.Panel, inboundID int64, clientID string) error {
	base := p.NormalizedURL()
	path := fmt.Sprintf("%s/panel/api/inbounds/%d/delClient/%s", base, inboundID, url.PathEscape(clientID))
	return m.mutate(ctx, path, nil, fmt.Sprintf("delete client %q on %s", clientID, base))
}

// GetClientTraffic fetches a client's current (up, down) byte counters by
// email, returning (0, 0, err) on a request or decode failure and leaving the
// fallback policy to the caller. A {"success": false} or empty response
// yields (0, 0, nil).
func (m *APIManager) GetClientTraffic(ctx context.Context, p config.Panel, email string) (up, down int64, err error) {
	base := p.NormalizedURL()
	path := fmt.Sprintf("%s/panel/api/inbounds/getClientTraffics/%s", base, url.PathEscape(email))
	resp, err := m.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching traffic for %q on %s: %w", email, base, err)
	}
	if !resp.Success || len(resp.Obj) == 0 {
		return 0, 0, nil
	}
	var obj struct {
		Up   int64 `json:"up"`
		Down int64 `json:"down"`
	}
	if err := json.Unmarshal(resp.Obj, &obj); err != nil {
		return 0, 0, fmt.Errorf("decoding traffic for %q on %s: %w", email, base, err)
	}
	return obj.Up, obj.Down, nil
}

// UpdateClientTraffic pushes absolute (up, down) counters for a client.
// Not every panel supports this endpoint; callers should treat failures as
// non-fatal.
func (m *APIManager) UpdateClientTraffic(ctx context.Context, p config.Panel, email string, up, down int64) error {
	base := p.NormalizedURL()
	body, err := json.Marshal(map[string]int64{"upload": up, "download": down})
	if err != nil {
		return fmt.Errorf("encoding traffic payload for %q on %s: %w", email, base, err)
	}
	path := fmt.Sprintf("%s/panel/api/inbounds/updateClientTraffic/%s", base, url.PathEscape(email))
	return m.mutate(ctx, path, body, fmt.Sprintf("update traffic for %q on %s", email, base))
}

// mutate POSTs body to path and treats a {"success": false} response as an
// error.
func (m *APIManager) mutate(ctx context.Context, path string, body []byte, what string) error {
	resp, err := m.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if !resp.Success {
		return fmt.Errorf("%s: panel reported failure: %s", what, resp.Msg)
	}
	return nil
}

// doRequest issues one HTTP call against the panel's persistent session and
// decodes the {success, msg, obj} envelope. Issued exactly once: a transient
// failure here is logged and skipped by the caller, not retried — the next
// scheduled cycle is the recovery mechanism.
func (m *APIManager) doRequest(ctx context.Context, method, fullURL string, body []byte) (apiResponse, error) {
	u, err := url.Parse(fullURL)
	if err != nil {
		return apiResponse{}, fmt.Errorf("parsing url %q: %w", fullURL, err)
	}
	base := u.Scheme + "://" + u.Host
	hc := m.session(base)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return apiResponse{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "fleetsync/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := hc.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode >= 300 {
		return apiResponse{}, fmt.Errorf("unexpected status %s", httpResp.Status)
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return apiResponse{}, fmt.Errorf("decoding response body: %w", err)
	}
	return resp, nil
}

var _ PanelClient = (*APIManager)(nil)
