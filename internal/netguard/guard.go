// Package netguard is the single choke point for outbound network access.
// Every network-capable tool resolves and vets its destinations here; no
// other component performs outbound DNS or connects to external hosts.
package netguard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AllowRule permits a host (exact or "*.suffix" wildcard) for a set of
// methods. An empty method list permits all methods.
type AllowRule struct {
	Host    string   `yaml:"host" json:"host"`
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// Config is the global outbound policy.
type Config struct {
	Allowlist         []AllowRule   `yaml:"allowlist" json:"allowlist"`
	BlockPrivateIPs   bool          `yaml:"block_private_ips" json:"block_private_ips"`
	BlockedPorts      []int         `yaml:"blocked_ports" json:"blocked_ports"`
	MetadataEndpoints []string      `yaml:"metadata_endpoints" json:"metadata_endpoints"`
	DNSCacheTTL       time.Duration `yaml:"dns_cache_ttl" json:"dns_cache_ttl"`
}

// DefaultConfig returns the baseline policy: private IPs and cloud metadata
// blocked, interactive/legacy ports closed, short DNS cache.
func DefaultConfig() Config {
	return Config{
		BlockPrivateIPs:   true,
		BlockedPorts:      []int{22, 23, 25, 3389},
		MetadataEndpoints: []string{"169.254.169.254", "metadata.google.internal"},
		DNSCacheTTL:       30 * time.Second,
	}
}

// PolicyMode selects how a tool's host list is interpreted.
type PolicyMode string

const (
	ModeAllowlist PolicyMode = "allowlist"
	ModeBlocklist PolicyMode = "blocklist"
)

// ToolPolicy is a tool capability's network policy. It is applied as an
// intersection with the global policy: a tool can only narrow, never widen,
// what the global allowlist permits.
type ToolPolicy struct {
	Mode                   PolicyMode `yaml:"mode" json:"mode"`
	AllowedHosts           []string   `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty"`
	BlockedHosts           []string   `yaml:"blocked_hosts,omitempty" json:"blocked_hosts,omitempty"`
	BlockedPorts           []int      `yaml:"blocked_ports,omitempty" json:"blocked_ports,omitempty"`
	BlockPrivateIPs        bool       `yaml:"block_private_ips" json:"block_private_ips"`
	BlockMetadataEndpoints bool       `yaml:"block_metadata_endpoints" json:"block_metadata_endpoints"`
}

// KnownHost reports whether the host appears in the policy's allowed list.
// Tools use this to decide whether a destination counts as unfamiliar.
func (p *ToolPolicy) KnownHost(host string) bool {
	return matchHostList(p.AllowedHosts, host)
}

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	ResolvedIP string `json:"resolved_ip,omitempty"`
}

func blocked(reason string) Decision { return Decision{Reason: reason} }

// Resolver resolves hostnames. The default uses net.DefaultResolver; tests
// substitute a fake.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type systemResolver struct{}

func (systemResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// Guard evaluates outbound requests against the global policy, an optional
// per-tool policy, and the resolved destination IPs.
type Guard struct {
	cfg      Config
	resolver Resolver
	cache    *dnsCache
	logger   *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver substitutes the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithLogger sets the guard's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a guard with the given global policy.
func New(cfg Config, opts ...Option) *Guard {
	if cfg.DNSCacheTTL <= 0 {
		cfg.DNSCacheTTL = DefaultConfig().DNSCacheTTL
	}
	g := &Guard{
		cfg:      cfg,
		resolver: systemResolver{},
		logger:   slog.Default().With("component", "netguard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cache = newDNSCache(g.resolver, cfg.DNSCacheTTL)
	return g
}

// Check vets a single outbound request. The tool policy, when present, is
// intersected with the global policy; DNS is resolved through the guard's
// cache and every returned IP must pass the IP policy.
func (g *Guard) Check(ctx context.Context, rawURL, method string, tool *ToolPolicy) Decision {
	u, err := url.Parse(rawURL)
	if err != nil {
		return blocked(fmt.Sprintf("invalid URL: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return blocked(fmt.Sprintf("scheme %q not allowed", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return blocked("URL has no host")
	}

	port, err := portOf(u)
	if err != nil {
		return blocked(err.Error())
	}

	if d := g.checkHost(host, method, port, tool); !d.Allowed {
		g.logger.Warn("outbound request blocked", "host", host, "reason", d.Reason)
		return d
	}

	return g.checkResolved(ctx, host, tool)
}

// CheckRedirect re-validates a redirect target. Redirects escape the
// original allowlist decision, so the full check runs again.
func (g *Guard) CheckRedirect(ctx context.Context, location, method string, tool *ToolPolicy) Decision {
	return g.Check(ctx, location, method, tool)
}

func (g *Guard) checkHost(host, method string, port int, tool *ToolPolicy) Decision {
	// Global allowlist first: the tool policy can only narrow it.
	if len(g.cfg.Allowlist) > 0 && !matchAllowlist(g.cfg.Allowlist, host, method) {
		return blocked(fmt.Sprintf("host %q not in global allowlist", host))
	}

	for _, meta := range g.cfg.MetadataEndpoints {
		if strings.EqualFold(host, meta) {
			return blocked("metadata endpoint not allowed")
		}
	}

	for _, p := range g.cfg.BlockedPorts {
		if port == p {
			return blocked(fmt.Sprintf("port %d is blocked", port))
		}
	}

	if tool != nil {
		if d := checkToolPolicy(tool, host, port); !d.Allowed {
			return d
		}
	}

	return Decision{Allowed: true}
}

func checkToolPolicy(tool *ToolPolicy, host string, port int) Decision {
	switch tool.Mode {
	case ModeAllowlist:
		if !matchHostList(tool.AllowedHosts, host) {
			return blocked(fmt.Sprintf("host %q not in tool allowlist", host))
		}
	case ModeBlocklist:
		if matchHostList(tool.BlockedHosts, host) {
			return blocked(fmt.Sprintf("host %q in tool blocklist", host))
		}
	}
	for _, p := range tool.BlockedPorts {
		if port == p {
			return blocked(fmt.Sprintf("port %d blocked by tool policy", port))
		}
	}
	return Decision{Allowed: true}
}

func (g *Guard) checkResolved(ctx context.Context, host string, tool *ToolPolicy) Decision {
	blockPrivate := g.cfg.BlockPrivateIPs
	if tool != nil && tool.BlockPrivateIPs {
		blockPrivate = true
	}

	// Literal IPs skip DNS but not the IP policy.
	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := checkIP(addr, blockPrivate); reason != "" {
			return blocked(reason)
		}
		return Decision{Allowed: true, ResolvedIP: addr.String()}
	}

	ips, err := g.cache.Lookup(ctx, host)
	if err != nil {
		return blocked(fmt.Sprintf("DNS resolution failed: %v", err))
	}
	if len(ips) == 0 {
		return blocked("DNS returned no addresses")
	}

	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return blocked("unparseable resolved address")
		}
		addr = addr.Unmap()
		if reason := checkIP(addr, blockPrivate); reason != "" {
			return blocked(reason)
		}
	}

	return Decision{Allowed: true, ResolvedIP: ips[0].String()}
}

var (
	uniqueLocal   = netip.MustParsePrefix("fc00::/7")
	linkLocalV6   = netip.MustParsePrefix("fe80::/10")
	metadataBlock = netip.MustParseAddr("169.254.169.254")
)

// checkIP rejects private, loopback, link-local, and metadata addresses.
// Returns an empty string when the address is acceptable.
func checkIP(addr netip.Addr, blockPrivate bool) string {
	if addr == metadataBlock {
		return "metadata endpoint not allowed"
	}
	if !blockPrivate {
		return ""
	}
	switch {
	case addr.IsLoopback():
		return "Private IP not allowed"
	case addr.IsPrivate():
		return "Private IP not allowed"
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return "Private IP not allowed"
	case addr.Is6() && (uniqueLocal.Contains(addr) || linkLocalV6.Contains(addr)):
		return "Private IP not allowed"
	case addr.IsUnspecified():
		return "Private IP not allowed"
	}
	return ""
}

func portOf(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return 0, fmt.Errorf("invalid port %q", p)
		}
		return port, nil
	}
	if u.Scheme == "https" {
		return 443, nil
	}
	return 80, nil
}

func matchAllowlist(rules []AllowRule, host, method string) bool {
	for _, rule := range rules {
		if !matchHost(rule.Host, host) {
			continue
		}
		if len(rule.Methods) == 0 {
			return true
		}
		for _, m := range rule.Methods {
			if strings.EqualFold(m, method) {
				return true
			}
		}
	}
	return false
}

func matchHostList(patterns []string, host string) bool {
	for _, p := range patterns {
		if matchHost(p, host) {
			return true
		}
	}
	return false
}

// matchHost supports exact matches and "*.suffix" wildcards. A wildcard
// matches subdomains and the bare suffix itself.
func matchHost(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(host)
	if pattern == "" {
		return false
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}
	return pattern == host
}
