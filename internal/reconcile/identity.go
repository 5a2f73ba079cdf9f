// Package reconcile converges each node's inbound and client inventory to
// match the central panel's, applying a protocol-aware client identity and
// the start-after-first-use (SAFU) activation merge policy.
package reconcile

import (
	"strings"
	"time"

	"github.com/proxyfleet/panelsync/internal/panel"
)

// ClientKey returns the protocol-aware identity used to correlate the same
// client across the central panel and a node:
//
//   - trojan: password, falling back to email then id
//   - shadowsocks: email
//   - everything else (vmess, vless, …): id, falling back to email
func ClientKey(c panel.Client, protocol panel.Protocol) string {
	switch normalizeProtocol(protocol) {
	case panel.ProtocolTrojan:
		return firstNonEmpty(c.Password, c.Email, c.ID)
	case panel.ProtocolShadowsocks:
		return c.Email
	default:
		return firstNonEmpty(c.ID, c.Email)
	}
}

// ClientAPIID returns the identifier a panel's updateClient/delClient
// endpoints expect in the URL path for this protocol:
//
//   - trojan: password
//   - shadowsocks: email
//   - everything else: id
func ClientAPIID(c panel.Client, protocol panel.Protocol) string {
	switch normalizeProtocol(protocol) {
	case panel.ProtocolTrojan:
		return c.Password
	case panel.ProtocolShadowsocks:
		return c.Email
	default:
		return c.ID
	}
}

// IsSAFUFresh reports whether a client is a fresh start-after-first-use
// client awaiting activation: startAfterFirstUse is set and expiryTime is
// not yet positive.
func IsSAFUFresh(c panel.Client) bool {
	return c.StartAfterFirstUse && c.ExpiryTime <= 0
}

// IsActiveStarted reports whether a client's expiry lies in the future
// relative to now, i.e. it has already begun its active period.
func IsActiveStarted(c panel.Client, now time.Time) bool {
	return c.ExpiryTime > now.UnixMilli()
}

// IsEnded reports whether a client's active period has concluded: a
// positive expiryTime at or before now, or a negative expiryTime.
func IsEnded(c panel.Client, now time.Time) bool {
	nowMs := now.UnixMilli()
	return (c.ExpiryTime > 0 && c.ExpiryTime <= nowMs) || c.ExpiryTime < 0
}

func normalizeProtocol(p panel.Protocol) panel.Protocol {
	return panel.Protocol(strings.ToLower(string(p)))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
