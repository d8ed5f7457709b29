package identity

import (
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UAStrategy selects how user agents are assigned to requests.
type UAStrategy string

const (
	UAStablePerRun     UAStrategy = "stable-per-run"
	UAStickyPerItem    UAStrategy = "sticky-per-item"
	UARotatePerRequest UAStrategy = "rotate-per-request"
)

// ProxyStrategy selects how proxies are assigned to requests.
type ProxyStrategy string

const (
	ProxyNone          ProxyStrategy = "none"
	ProxyRoundRobin    ProxyStrategy = "round-robin"
	ProxyStickyPerItem ProxyStrategy = "sticky-per-item"
)

const defaultProxyCooloff = 5 * time.Minute

// DefaultUserAgents is used when no user agents are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
}

// Identity is the user agent and optional proxy used for one request.
type Identity struct {
	UserAgent string
	Proxy     *url.URL
}

// Options configure the Rotator.
type Options struct {
	UserAgents    []string
	UAStrategy    UAStrategy
	Proxies       []string
	ProxyStrategy ProxyStrategy
	ProxyCooldown time.Duration
	Now           func() time.Time
	Rand          *rand.Rand
}

// Rotator hands out request identities and tracks proxy cooldowns.
type Rotator struct {
	mu sync.Mutex

	agents   []string
	uaMode   UAStrategy
	stableUA string
	perKey   map[string]string

	proxies   []*url.URL
	pxMode    ProxyStrategy
	cooldown  time.Duration
	coolUntil map[string]time.Time
	cursor    int

	now    func() time.Time
	rnd    *rand.Rand
	logger zerolog.Logger
}

// New validates the options and builds a Rotator.
func New(opts Options, logger zerolog.Logger) (*Rotator, error) {
	agents := opts.UserAgents
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}

	uaMode := opts.UAStrategy
	switch uaMode {
	case "":
		uaMode = UAStickyPerItem
	case UAStablePerRun, UAStickyPerItem, UARotatePerRequest:
	default:
		return nil, fmt.Errorf("unknown user agent strategy %q", uaMode)
	}

	proxies := make([]*url.URL, 0, len(opts.Proxies))
	for _, raw := range opts.Proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", raw)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
		proxies = append(proxies, u)
	}

	pxMode := opts.ProxyStrategy
	switch pxMode {
	case "":
		pxMode = ProxyNone
		if len(proxies) > 0 {
			pxMode = ProxyRoundRobin
		}
	case ProxyNone, ProxyRoundRobin, ProxyStickyPerItem:
	default:
		return nil, fmt.Errorf("unknown proxy strategy %q", pxMode)
	}

	cooldown := opts.ProxyCooldown
	if cooldown <= 0 {
		cooldown = defaultProxyCooloff
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	r := &Rotator{
		agents:    agents,
		uaMode:    uaMode,
		perKey:    make(map[string]string),
		proxies:   proxies,
		pxMode:    pxMode,
		cooldown:  cooldown,
		coolUntil: make(map[string]time.Time),
		now:       now,
		rnd:       rnd,
		logger:    logger.With().Str("component", "identity").Logger(),
	}
	r.stableUA = r.randomAgent()
	return r, nil
}

// Pick returns the identity for a request on behalf of key.
func (r *Rotator) Pick(key string) Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Identity{UserAgent: r.userAgent(key), Proxy: r.proxy(key)}
}

// Rotate assigns a fresh sticky user agent to key.
func (r *Rotator) Rotate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uaMode == UAStablePerRun {
		return
	}
	r.perKey[key] = r.randomAgent()
}

// MarkFailed puts proxy into cooldown.
func (r *Rotator) MarkFailed(proxy *url.URL) {
	if proxy == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	until := r.now().Add(r.cooldown)
	r.coolUntil[proxy.String()] = until
	r.logger.Warn().Str("proxy", proxy.Redacted()).Time("until", until).Msg("proxy cooling down")
}

// HasProxies reports whether proxy selection is active.
func (r *Rotator) HasProxies() bool {
	return r.pxMode != ProxyNone && len(r.proxies) > 0
}

func (r *Rotator) userAgent(key string) string {
	switch r.uaMode {
	case UAStablePerRun:
		return r.stableUA
	case UARotatePerRequest:
		return r.randomAgent()
	}
	ua, ok := r.perKey[key]
	if !ok {
		ua = r.randomAgent()
		r.perKey[key] = ua
	}
	return ua
}

func (r *Rotator) proxy(key string) *url.URL {
	if !r.HasProxies() {
		return nil
	}
	now := r.now()
	usable := make([]*url.URL, 0, len(r.proxies))
	for _, p := range r.proxies {
		if until, ok := r.coolUntil[p.String()]; ok && now.Before(until) {
			continue
		}
		usable = append(usable, p)
	}
	if len(usable) == 0 {
		return nil
	}

	if r.pxMode == ProxyStickyPerItem {
		return usable[abs(hashKey(key))%len(usable)]
	}
	p := usable[r.cursor%len(usable)]
	r.cursor++
	return p
}

func (r *Rotator) randomAgent() string {
	return r.agents[r.rnd.Intn(len(r.agents))]
}

// hashKey is the 31-multiplier string hash, wrapping at 32 bits.
func hashKey(s string) int {
	var h int32
	for _, c := range s {
		h = (h << 5) - h + int32(c)
	}
	return int(h)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
