// Package panel implements the HTTP client for the panel control-plane API
// (inbound and client CRUD, traffic read/write) shared by the central panel
// and every node, plus the schemaless Inbound/Client wire types.
package panel

import (
	"encoding/json"
	"fmt"
)

// Protocol identifies an inbound's transport protocol. The reconciler uses
// this to decide which fields identify a client across panels.
type Protocol string

const (
	ProtocolVMess       Protocol = "vmess"
	ProtocolVLess       Protocol = "vless"
	ProtocolTrojan      Protocol = "trojan"
	ProtocolShadowsocks Protocol = "shadowsocks"
)

// Client is a single subscriber entry inside an inbound's settings.clients
// list. The well-known subset used by the reconciler and aggregator is
// typed; every other panel-specific field (flow, limitIp, totalGB, tgId,
// subId, reset, method, …) round-trips verbatim through Extra.
type Client struct {
	ID                 string `json:"id,omitempty"`
	Password           string `json:"password,omitempty"`
	Email              string `json:"email"`
	Enable             bool   `json:"enable"`
	ExpiryTime         int64  `json:"expiryTime"`
	StartAfterFirstUse bool   `json:"startAfterFirstUse,omitempty"`

	// Extra holds every field this struct doesn't name explicitly, so
	// add/update round-trips never drop panel-specific data.
	Extra map[string]json.RawMessage `json:"-"`
}

// clientKnownFields lists the JSON keys decoded directly into typed struct
// fields; everything else falls through to Extra.
var clientKnownFields = []string{"id", "password", "email", "enable", "expiryTime", "startAfterFirstUse"}

// UnmarshalJSON decodes known fields into the struct and keeps the rest in Extra.
func (c *Client) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding client: %w", err)
	}

	type alias Client
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decoding client known fields: %w", err)
	}
	*c = Client(a)

	c.Extra = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		c.Extra[k] = v
	}
	for _, k := range clientKnownFields {
		delete(c.Extra, k)
	}
	return nil
}

// MarshalJSON re-assembles Extra plus the typed fields into one JSON object,
// so unknown fields observed on read are preserved on write.
func (c Client) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+len(clientKnownFields))
	for k, v := range c.Extra {
		out[k] = v
	}

	type alias Client
	known, err := json.Marshal(alias(c))
	if err != nil {
		return nil, fmt.Errorf("encoding client known fields: %w", err)
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, fmt.Errorf("re-decoding client known fields: %w", err)
	}
	for k, v := range knownMap {
		out[k] = v
	}

	return json.Marshal(out)
}

// clientSettings is the shape of an inbound's settings field once decoded:
// {"clients": [...]}. Unknown sibling fields (decryption, fallbacks, …) are
// preserved via Extra the same way Client does.
type clientSettings struct {
	Clients []Client                   `json:"clients"`
	Extra   map[string]json.RawMessage `json:"-"`
}

func (s *clientSettings) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}
	if clientsRaw, ok := raw["clients"]; ok {
		if err := json.Unmarshal(clientsRaw, &s.Clients); err != nil {
			return fmt.Errorf("decoding settings.clients: %w", err)
		}
	}
	delete(raw, "clients")
	s.Extra = raw
	return nil
}

func (s clientSettings) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+1)
	for k, v := range s.Extra {
		out[k] = v
	}
	clientsRaw, err := json.Marshal(s.Clients)
	if err != nil {
		return nil, fmt.Errorf("encoding settings.clients: %w", err)
	}
	out["clients"] = clientsRaw
	return json.Marshal(out)
}

// ParseClients decodes the inbound's settings JSON string and returns its
// client list. A malformed or empty settings string yields an empty slice
// rather than an error.
func ParseClients(settingsJSON string) []Client {
	if settingsJSON == "" {
		return nil
	}
	var s clientSettings
	if err := json.Unmarshal([]byte(settingsJSON), &s); err != nil {
		return nil
	}
	return s.Clients
}

// EncodeClients serializes the given clients as the settings JSON string
// x-ui-family panels use: {"clients": [...]}. addClient/updateClient send it
// with a single client.
func EncodeClients(clients ...Client) (string, error) {
	s := clientSettings{Clients: clients}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding clients payload: %w", err)
	}
	return string(b), nil
}

// ClientStat is one entry of an inbound's clientStats array: the panel's own
// live traffic-accounting record for a client, keyed by email. Its presence
// here is solely to contribute emails to traffic aggregation — client
// identity and inventory fields live on Client, parsed from settings.
type ClientStat struct {
	Email string `json:"email"`
}

// Inbound is an ingress endpoint definition. Settings is kept as a raw JSON
// string (its own nested shape is handled by ParseClients/EncodeClients)
// since the panel API itself transmits it double-encoded. ClientStats is the
// panel's separate per-client traffic-accounting array, decoded only for its
// emails. Every field this struct doesn't name explicitly round-trips
// through Extra.
type Inbound struct {
	ID          int64        `json:"id"`
	Protocol    Protocol     `json:"protocol"`
	Settings    string       `json:"settings"`
	ClientStats []ClientStat `json:"clientStats,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var inboundKnownFields = []string{"id", "protocol", "settings", "clientStats"}

func (ib *Inbound) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding inbound: %w", err)
	}

	type alias Inbound
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decoding inbound known fields: %w", err)
	}
	*ib = Inbound(a)

	ib.Extra = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		ib.Extra[k] = v
	}
	for _, k := range inboundKnownFields {
		delete(ib.Extra, k)
	}
	return nil
}

func (ib Inbound) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(ib.Extra)+len(inboundKnownFields))
	for k, v := range ib.Extra {
		out[k] = v
	}

	type alias Inbound
	known, err := json.Marshal(alias(ib))
	if err != nil {
		return nil, fmt.Errorf("encoding inbound known fields: %w", err)
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, fmt.Errorf("re-decoding inbound known fields: %w", err)
	}
	for k, v := range knownMap {
		out[k] = v
	}

	return json.Marshal(out)
}
