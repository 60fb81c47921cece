package rule

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/phxntninja/mutt/internal/db"
)

// snapshot is the immutable state swapped in atomically on every reload.
type snapshot struct {
	rules    []Rule
	devHosts map[string]struct{}
	teams    map[string]string
}

// Store is the subset of internal/store.Store the cache needs to reload.
type Store interface {
	ListActiveRules(ctx context.Context) ([]db.Rule, error)
	ListDevelopmentHosts(ctx context.Context) ([]string, error)
	ListDeviceTeams(ctx context.Context) ([]db.DeviceTeam, error)
}

// Cache holds the Classifier's working set: active rules (sorted by
// priority desc, id asc), the dev-host set, and the host-to-team override
// map. Reload swaps in a freshly built snapshot by pointer; readers never
// observe a partially updated cache and take no lock.
type Cache struct {
	store  Store
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]
}

// New creates an empty Cache. Call Load before using it.
func New(store Store, logger *slog.Logger) *Cache {
	c := &Cache{store: store, logger: logger}
	c.snap.Store(&snapshot{devHosts: map[string]struct{}{}, teams: map[string]string{}})
	return c
}

// Load rebuilds the cache from the store and atomically swaps it in.
// Rules with an invalid regex are skipped and logged, not fatal.
func (c *Cache) Load(ctx context.Context) error {
	rawRules, err := c.store.ListActiveRules(ctx)
	if err != nil {
		return err
	}

	rules := make([]Rule, 0, len(rawRules))
	for _, r := range rawRules {
		compiled, err := Compile(r)
		if err != nil {
			c.logger.Error("skipping rule with invalid pattern", "rule_id", r.ID, "error", err)
			continue
		}
		rules = append(rules, compiled)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})

	hosts, err := c.store.ListDevelopmentHosts(ctx)
	if err != nil {
		return err
	}
	devHosts := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		devHosts[h] = struct{}{}
	}

	deviceTeams, err := c.store.ListDeviceTeams(ctx)
	if err != nil {
		return err
	}
	teams := make(map[string]string, len(deviceTeams))
	for _, d := range deviceTeams {
		teams[d.Hostname] = d.Team
	}

	c.snap.Store(&snapshot{rules: rules, devHosts: devHosts, teams: teams})
	return nil
}

// Match returns the highest-priority rule matching message/trapOID, falling
// back to the lowest-priority (default) rule in the cache if none match.
// Match reports false only when the cache has no rules at all (not yet
// loaded).
func (c *Cache) Match(message, trapOID string) (Rule, bool) {
	s := c.snap.Load()
	if len(s.rules) == 0 {
		return Rule{}, false
	}
	for _, r := range s.rules {
		if r.Matches(message, trapOID) {
			return r, true
		}
	}
	// Fall back to the lowest-priority rule, which is the default rule by
	// invariant (priority 1, always present, never matched ahead of
	// another because match_string is empty and contains("") is always
	// true — so in practice this branch only fires if the default rule
	// itself was skipped at load for some reason).
	return s.rules[len(s.rules)-1], true
}

// IsDevHost reports whether hostname is in the development-host set.
func (c *Cache) IsDevHost(hostname string) bool {
	s := c.snap.Load()
	_, ok := s.devHosts[hostname]
	return ok
}

// Team returns the team override for hostname, or fallback if none is set.
func (c *Cache) Team(hostname, fallback string) string {
	s := c.snap.Load()
	if t, ok := s.teams[hostname]; ok {
		return t
	}
	return fallback
}
