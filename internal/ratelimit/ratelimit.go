// Package ratelimit provides per-client-IP token bucket rate limiting
// middleware for the proxy surface.
package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/routing-gateway/internal/apierror"
	"github.com/dskow/routing-gateway/internal/config"
	"github.com/dskow/routing-gateway/internal/metrics"
)

const (
	cleanupInterval = time.Minute
	staleAfter      = 3 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-client rate limiters and performs periodic cleanup
// of stale entries.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[string]*client
	rate         rate.Limit
	burst        int
	surface      string
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// ClientInfo is one entry of a limiter snapshot.
type ClientInfo struct {
	IP       string    `json:"ip"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"last_seen"`
}

// New creates a Limiter for one surface (used as the metrics label). It
// starts a background goroutine that evicts idle clients every minute.
// trustedProxies lists IPs or CIDRs whose X-Forwarded-For is honored.
func New(cfg config.RateLimitConfig, trustedProxies []string, surface string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:      make(map[string]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		surface:      surface,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(entries []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				entry = entry + "/" + strconv.Itoa(bits)
			}
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn("invalid trusted proxy, skipping", "entry", entry, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig hot-reloads the rate and burst. Existing per-client limiters
// are dropped so the new limits take effect on the next request.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.clients = make(map[string]*client)
}

// Middleware returns an HTTP middleware that enforces rate limits.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.ClientIP(r)
			limiter, limit := l.getLimiter(ip)
			if !limiter.Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.WithLabelValues(l.surface).Inc()
				w.Header().Set("Retry-After", retryAfter(limit))
				apierror.WriteJSON(w, nil, http.StatusTooManyRequests, apierror.RateLimitExceeded,
					"rate limit exceeded, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter is the whole number of seconds until one token refills.
func retryAfter(limit rate.Limit) string {
	if limit <= 0 {
		return "60"
	}
	secs := math.Ceil(1 / float64(limit))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatFloat(secs, 'f', 0, 64)
}

// ClientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (l *Limiter) ClientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP.
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// getLimiter returns or creates the limiter for ip along with the rate it
// was built with. rate.Limiter is goroutine-safe, so Allow runs unlocked.
func (l *Limiter) getLimiter(ip string) (*rate.Limiter, rate.Limit) {
	l.mu.RLock()
	if c, exists := l.clients[ip]; exists {
		limit := l.rate
		// lastSeen only needs minute resolution against the eviction threshold.
		if time.Since(c.lastSeen) > cleanupInterval {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter, limit
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, exists := l.clients[ip]; exists {
		c.lastSeen = time.Now()
		return c.limiter, l.rate
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[ip] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter, l.rate
}

// Snapshot returns the tracked clients sorted by IP.
func (l *Limiter) Snapshot() []ClientInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ClientInfo, 0, len(l.clients))
	for ip, c := range l.clients {
		out = append(out, ClientInfo{IP: ip, Tokens: c.limiter.Tokens(), LastSeen: c.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evict(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, ip)
			n++
		}
	}
	return n
}
