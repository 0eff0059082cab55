package acl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/defguard/defguard-core/internal/device"
	"github.com/defguard/defguard-core/internal/group"
	"github.com/defguard/defguard-core/internal/network"
)

// FirewallRule is one compiled, Gateway-ready entry: a fully resolved source/destination pair with no remaining
// alias or group indirection.
type FirewallRule struct {
	Allow        bool
	SourceIPs    []string // resolved device addresses, empty means "any" (no source restriction configured)
	Destinations []string
	Ports        []string
	Protocols    []Protocol
}

// FirewallConfig is the full, deterministically ordered rule list for one Location.
type FirewallConfig struct {
	LocationID  uuid.UUID
	DefaultAllow bool
	Rules       []FirewallRule
}

// Compiler builds FirewallConfig from applied ACL rules, resolving aliases and group membership.
type Compiler struct {
	rules   Repository
	groups  group.Repository
	devices device.Repository
}

// NewCompiler constructs a Compiler.
func NewCompiler(rules Repository, groups group.Repository, devices device.Repository) *Compiler {
	return &Compiler{rules: rules, groups: groups, devices: devices}
}

// Build compiles every non-expired, Applied rule scoped to loc into a FirewallConfig. Deny rules are placed
// before allow rules, and the stable sort keeps the repository's name order within each group, so Gateways presented
// the same rule set always see it in the same order, making their diffing logic (and tests) deterministic.
func (c *Compiler) Build(ctx context.Context, loc *network.Location) (FirewallConfig, error) {
	rules, err := c.rules.ListByLocation(ctx, loc.ID)
	if err != nil {
		return FirewallConfig{}, fmt.Errorf("list ACL rules: %w", err)
	}

	peers, err := c.devices.ListByLocation(ctx, loc.ID)
	if err != nil {
		return FirewallConfig{}, fmt.Errorf("list peers: %w", err)
	}

	now := time.Now()
	compiled := make([]FirewallRule, 0, len(rules))
	for _, rule := range rules {
		if rule.State != StateApplied {
			continue
		}
		if rule.ExpiresAt != nil && rule.ExpiresAt.Before(now) {
			continue
		}

		sourceIPs, err := c.resolveSources(ctx, rule, peers)
		if err != nil {
			return FirewallConfig{}, err
		}

		destinations := append([]string{}, rule.Destinations...)
		ports := append([]string{}, rule.Ports...)
		protocols := append([]Protocol{}, rule.Protocols...)
		for _, aliasID := range rule.AliasIDs {
			alias, err := c.rules.GetAlias(ctx, aliasID)
			if err != nil {
				return FirewallConfig{}, fmt.Errorf("resolve alias %s: %w", aliasID, err)
			}
			destinations = append(destinations, alias.Destinations...)
			ports = append(ports, alias.Ports...)
			protocols = append(protocols, alias.Protocols...)
		}

		compiled = append(compiled, FirewallRule{
			Allow:        rule.Allow,
			SourceIPs:    sourceIPs,
			Destinations: dedupeStrings(destinations),
			Ports:        dedupeStrings(ports),
			Protocols:    dedupeProtocols(protocols),
		})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Allow != compiled[j].Allow {
			return !compiled[i].Allow // deny rules first, so a narrower deny is never shadowed by a later allow
		}
		return false
	})

	return FirewallConfig{LocationID: loc.ID, DefaultAllow: loc.ACLDefaultAllow, Rules: compiled}, nil
}

// resolveSources expands a rule's source users/groups/devices into the set of WireGuard addresses currently
// assigned to matching peers in this Location. A rule with no source restriction at all resolves to nil, meaning
// "any source", matching how an empty allowed-groups set means "unrestricted" on a Location.
func (c *Compiler) resolveSources(ctx context.Context, rule Rule, peers []device.NetworkDeviceWithPeer) ([]string, error) {
	if len(rule.SourceUsers) == 0 && len(rule.SourceGroups) == 0 && len(rule.SourceDevices) == 0 {
		return nil, nil
	}

	allowedUsers := make(map[uuid.UUID]struct{}, len(rule.SourceUsers))
	for _, u := range rule.SourceUsers {
		allowedUsers[u] = struct{}{}
	}
	for _, g := range rule.SourceGroups {
		members, err := c.groups.Members(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("resolve group %s members: %w", g, err)
		}
		for _, m := range members {
			allowedUsers[m] = struct{}{}
		}
	}
	allowedDevices := make(map[uuid.UUID]struct{}, len(rule.SourceDevices))
	for _, d := range rule.SourceDevices {
		allowedDevices[d] = struct{}{}
	}

	var ips []string
	for _, peer := range peers {
		_, userMatch := allowedUsers[peer.DeviceUserID]
		_, deviceMatch := allowedDevices[peer.DeviceID]
		if userMatch || deviceMatch {
			ips = append(ips, peer.WireguardIPs...)
		}
	}
	return ips, nil
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func dedupeProtocols(in []Protocol) []Protocol {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Protocol]struct{}, len(in))
	out := make([]Protocol, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
