// Package policy decides which upstream hosts the gateway may reach.
package policy

import (
	"log/slog"
	"sort"
	"strings"
)

// AllowList is an exact-match host allow-list with an enforcement switch.
// It is immutable after construction and safe for concurrent use.
type AllowList struct {
	enforced bool
	hosts    map[string]struct{}
}

// NewAllowList creates an AllowList. Entries are trimmed and lower-cased;
// blank entries are ignored.
func NewAllowList(enforced bool, hosts []string) *AllowList {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = normalize(h)
		if h == "" {
			continue
		}
		set[h] = struct{}{}
	}
	return &AllowList{enforced: enforced, hosts: set}
}

// IsAllowed reports whether host may be reached. With enforcement off every
// host is allowed. With enforcement on, host must equal an entry, ignoring
// case. An empty enforced list allows nothing.
func (a *AllowList) IsAllowed(host string) bool {
	if !a.enforced {
		return true
	}
	_, ok := a.hosts[normalize(host)]
	return ok
}

// Enforced reports whether the list is enforced.
func (a *AllowList) Enforced() bool {
	return a.enforced
}

// Hosts returns the configured hosts in sorted order.
func (a *AllowList) Hosts() []string {
	out := make([]string, 0, len(a.hosts))
	for h := range a.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// WarnIfEmpty logs a warning when enforcement is on and no host is listed,
// since every request will then be rejected.
func (a *AllowList) WarnIfEmpty(logger *slog.Logger) {
	if a.enforced && len(a.hosts) == 0 {
		logger.Warn("allow-list is enforced but empty; every target host will be rejected")
	}
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
