package integration

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

// twoDestinations builds a gateway in front of a primary (priority 1) and a
// secondary (priority 2) downstream.
func twoDestinations(t *testing.T, extra string) (*gateway, *downstream, *downstream) {
	t.Helper()
	primary := newDownstream(t, "primary", "key-primary")
	secondary := newDownstream(t, "secondary", "key-secondary")
	gw := startGateway(t, fmt.Sprintf(`
auth:
  enabled: true
  jwt_secret: %q
  issuer: %q
  audience: %q
  scopes: ["admin"]
admin:
  enabled: true
  ip_allowlist: ["127.0.0.0/8", "::1/128"]
destination_defaults:
  retry: { max_attempts: 3 }
  circuit_breaker: { failure_threshold: 3, open_duration_ms: 60000 }
destinations:
  - id: primary
    name: Primary ERP
    base_url: %q
    api_key: key-primary
    priority: 1
  - id: secondary
    name: Secondary ERP
    base_url: %q
    api_key: key-secondary
    priority: 2
mappings:
  - external_id: cust-42
    destination: secondary
%s`, jwtSecret, jwtIssuer, jwtAud, primary.srv.URL, secondary.srv.URL, extra))
	return gw, primary, secondary
}

// --- Health Endpoints ---

func TestHealthEndpoint(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")
	resp, body := httpGet(t, gw.url+"/health", nil)
	assertStatusCode(t, resp, http.StatusOK)
	assertBodyContains(t, body, "ok")
}

func TestReadyEndpoint(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")
	resp, _ := httpGet(t, gw.url+"/ready", nil)
	assertStatusCode(t, resp, http.StatusOK)
}

func TestDestinationHealth_ProbeDoesNotTouchBreakers(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")

	resp, body := httpDo(t, http.MethodPost, gw.url+"/health/destinations/test", "", nil)
	assertStatusCode(t, resp, http.StatusOK)
	if parseJSON(t, body)["connected"] != float64(2) {
		t.Errorf("expected both destinations connected, got %s", body)
	}
	if n := gw.Breakers.Stats("primary").FailureCount; n != 0 {
		t.Errorf("probe affected the production breaker: %d failures", n)
	}
}

// --- Routing ---

func TestPriorityRouting_PrefersPrimary(t *testing.T) {
	gw, primary, _ := twoDestinations(t, "")

	resp, body := httpGet(t, gw.url+"/proxy/orders/7?page=2", nil)
	assertStatusCode(t, resp, http.StatusOK)
	md := metadata(t, body)
	if md["system"] != "primary" || md["routingMethod"] != "strategy" || md["strategy"] != "priority" {
		t.Errorf("unexpected metadata: %v", md)
	}

	req, _ := primary.lastRequest()
	if req.URL.Path != "/orders/7" || req.URL.RawQuery != "page=2" {
		t.Errorf("unexpected downstream url: %s", req.URL)
	}
	if req.Header.Get("X-Request-ID") == "" {
		t.Error("expected request id to be forwarded")
	}
	assertHeaderPresent(t, resp, "X-Request-ID")
}

func TestPriorityRouting_AdvancesPastFailure(t *testing.T) {
	gw, primary, secondary := twoDestinations(t, "")
	primary.failing.Store(true)

	resp, body := httpGet(t, gw.url+"/proxy/orders", nil)
	assertStatusCode(t, resp, http.StatusOK)
	if md := metadata(t, body); md["system"] != "secondary" {
		t.Errorf("expected secondary to serve, got %v", md["system"])
	}
	if secondary.hits.Load() != 1 {
		t.Errorf("expected one secondary hit, got %d", secondary.hits.Load())
	}
}

func TestPriorityRouting_RetryDisabledStops(t *testing.T) {
	gw, primary, secondary := twoDestinations(t, "")
	primary.failing.Store(true)

	resp, body := httpGet(t, gw.url+"/proxy/orders?retry=false", nil)
	assertStatusCode(t, resp, http.StatusBadGateway)
	assertErrorCode(t, body, "GATEWAY_UPSTREAM_ERROR")
	if secondary.hits.Load() != 0 {
		t.Error("secondary must not be tried with retry disabled")
	}
}

func TestExplicitTarget(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")

	resp, body := httpGet(t, gw.url+"/proxy/items?targetSystem=secondary", nil)
	assertStatusCode(t, resp, http.StatusOK)
	md := metadata(t, body)
	if md["system"] != "secondary" || md["routingMethod"] != "explicit-system" {
		t.Errorf("unexpected metadata: %v", md)
	}

	resp, body = httpGet(t, gw.url+"/proxy/items?targetSystem=nope", nil)
	assertStatusCode(t, resp, http.StatusNotFound)
	assertErrorCode(t, body, "GATEWAY_NOT_FOUND")
}

func TestMappingRouting(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")

	for _, header := range []string{"X-External-ID", "X-ERP-ID"} {
		resp, body := httpGet(t, gw.url+"/proxy/invoices", map[string]string{header: "cust-42"})
		assertStatusCode(t, resp, http.StatusOK)
		md := metadata(t, body)
		if md["system"] != "secondary" || md["routingMethod"] != "erp-mapping" || md["externalId"] != "cust-42" {
			t.Errorf("%s: unexpected metadata: %v", header, md)
		}
	}

	// Unknown external ids fall through to the strategy.
	_, body := httpGet(t, gw.url+"/proxy/invoices", map[string]string{"X-External-ID": "unknown"})
	if md := metadata(t, body); md["routingMethod"] != "strategy" {
		t.Errorf("expected strategy routing, got %v", md)
	}
}

func TestRoundRobin_Alternates(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")

	seen := map[interface{}]int{}
	for i := 0; i < 4; i++ {
		_, body := httpGet(t, gw.url+"/proxy/x?strategy=round-robin", nil)
		seen[metadata(t, body)["system"]]++
	}
	if seen["primary"] != 2 || seen["secondary"] != 2 {
		t.Errorf("expected an even split, got %v", seen)
	}
}

func TestPostForwardsBody(t *testing.T) {
	gw, primary, _ := twoDestinations(t, "")

	resp, _ := httpDo(t, http.MethodPost, gw.url+"/proxy/orders", `{"sku":"A-1","qty":2}`, nil)
	assertStatusCode(t, resp, http.StatusCreated)
	if _, body := primary.lastRequest(); body != `{"sku":"A-1","qty":2}` {
		t.Errorf("unexpected downstream body %q", body)
	}

	resp, body := httpDo(t, http.MethodPost, gw.url+"/proxy/orders", "", nil)
	assertStatusCode(t, resp, http.StatusBadRequest)
	assertErrorCode(t, body, "GATEWAY_VALIDATION_ERROR")
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	gw, primary, _ := twoDestinations(t, "")
	primary.failing.Store(true)

	for i := 0; i < 3; i++ {
		resp, _ := httpGet(t, gw.url+"/proxy/x?targetSystem=primary", nil)
		assertStatusCode(t, resp, http.StatusBadGateway)
	}
	resp, body := httpGet(t, gw.url+"/proxy/x?targetSystem=primary", nil)
	assertStatusCode(t, resp, http.StatusServiceUnavailable)
	assertErrorCode(t, body, "GATEWAY_CIRCUIT_OPEN")
	if primary.hits.Load() != 3 {
		t.Errorf("expected the open breaker to shed the fourth call, got %d hits", primary.hits.Load())
	}

	// Priority skips the open destination entirely.
	_, body = httpGet(t, gw.url+"/proxy/x", nil)
	if md := metadata(t, body); md["system"] != "secondary" {
		t.Errorf("expected secondary while primary is open, got %v", md["system"])
	}

	resp, body = httpGet(t, gw.url+"/health/destinations", nil)
	assertStatusCode(t, resp, http.StatusServiceUnavailable)
	assertBodyContains(t, body, `"unhealthy"`)
}

func TestUpstreamTimeout(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")

	start := time.Now()
	resp, body := httpGet(t, gw.url+"/proxy/slow?targetSystem=primary&timeout=1000", nil)
	assertStatusCode(t, resp, http.StatusGatewayTimeout)
	assertErrorCode(t, body, "GATEWAY_UPSTREAM_TIMEOUT")
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("timeout override not honored: took %v", elapsed)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")

	resp, body := httpGet(t, gw.url+"/nowhere", nil)
	assertStatusCode(t, resp, http.StatusNotFound)
	assertErrorCode(t, body, "GATEWAY_ROUTE_NOT_FOUND")

	resp, body = httpDo(t, http.MethodOptions, gw.url+"/proxy/x", "", nil)
	assertStatusCode(t, resp, http.StatusMethodNotAllowed)
	assertErrorCode(t, body, "GATEWAY_METHOD_NOT_ALLOWED")
}

// --- Rate limiting ---

func TestRateLimit_ProxyOnly(t *testing.T) {
	gw, _, _ := twoDestinations(t, "rate_limit: { requests_per_second: 1, burst_size: 2 }\n")

	var limited bool
	for i := 0; i < 5; i++ {
		resp, body := httpGet(t, gw.url+"/proxy/x", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			assertErrorCode(t, body, "GATEWAY_RATE_LIMIT_EXCEEDED")
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected the proxy surface to be rate limited")
	}

	resp, _ := httpGet(t, gw.url+"/health", nil)
	assertStatusCode(t, resp, http.StatusOK)
}

// --- Admin API ---

func TestAdmin_RequiresToken(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")

	resp, body := httpGet(t, gw.url+"/admin/destinations", nil)
	assertStatusCode(t, resp, http.StatusUnauthorized)
	assertErrorCode(t, body, "GATEWAY_AUTH_MISSING_TOKEN")

	expired := generateJWT("ops", "admin", -time.Hour)
	resp, body = httpGet(t, gw.url+"/admin/destinations", authHeader(expired))
	assertStatusCode(t, resp, http.StatusUnauthorized)
	assertErrorCode(t, body, "GATEWAY_AUTH_INVALID_TOKEN")

	wrongScope := generateJWT("ops", "read", time.Hour)
	resp, body = httpGet(t, gw.url+"/admin/destinations", authHeader(wrongScope))
	assertStatusCode(t, resp, http.StatusForbidden)
	assertErrorCode(t, body, "GATEWAY_AUTH_INSUFFICIENT_SCOPE")
}

func TestAdmin_ManageDestinationsAndMappings(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")
	third := newDownstream(t, "third", "key-third")
	auth := authHeader(generateJWT("ops", "admin", time.Hour))

	resp, body := httpDo(t, http.MethodPost, gw.url+"/admin/destinations",
		fmt.Sprintf(`{"id":"third","name":"Third","baseUrl":%q,"apiKey":"key-third","priority":5}`, third.srv.URL), auth)
	assertStatusCode(t, resp, http.StatusCreated)

	resp, body = httpDo(t, http.MethodPost, gw.url+"/admin/mappings",
		`{"externalId":"cust-7","destinationId":"third"}`, auth)
	assertStatusCode(t, resp, http.StatusCreated)

	_, body = httpGet(t, gw.url+"/proxy/x", map[string]string{"X-External-ID": "cust-7"})
	if md := metadata(t, body); md["system"] != "third" {
		t.Errorf("expected mapping to route to third, got %v", md["system"])
	}

	// Disabling makes explicit routing fail and priority skip it.
	resp, _ = httpDo(t, http.MethodPut, gw.url+"/admin/destinations/primary/disable", "", auth)
	assertStatusCode(t, resp, http.StatusOK)
	resp, body = httpGet(t, gw.url+"/proxy/x?targetSystem=primary", nil)
	assertStatusCode(t, resp, http.StatusServiceUnavailable)
	assertErrorCode(t, body, "GATEWAY_DESTINATION_DISABLED")
	_, body = httpGet(t, gw.url+"/proxy/x", nil)
	if md := metadata(t, body); md["system"] != "secondary" {
		t.Errorf("expected secondary after disabling primary, got %v", md["system"])
	}

	// Removing a mapped destination leaves a dangling mapping.
	resp, _ = httpDo(t, http.MethodDelete, gw.url+"/admin/destinations/third", "", auth)
	assertStatusCode(t, resp, http.StatusOK)
	resp, body = httpGet(t, gw.url+"/proxy/x", map[string]string{"X-External-ID": "cust-7"})
	assertStatusCode(t, resp, http.StatusNotFound)
	assertErrorCode(t, body, "GATEWAY_NOT_FOUND")

	resp, body = httpGet(t, gw.url+"/admin/stats", auth)
	assertStatusCode(t, resp, http.StatusOK)
	assertBodyContains(t, body, `"totalSystems":2`)
}

func TestAdmin_ConfigRedacted(t *testing.T) {
	gw, _, _ := twoDestinations(t, "")
	resp, body := httpGet(t, gw.url+"/admin/config", authHeader(generateJWT("ops", "admin", time.Hour)))
	assertStatusCode(t, resp, http.StatusOK)
	for _, secret := range []string{jwtSecret, "key-primary", "key-secondary"} {
		if strings.Contains(string(body), secret) {
			t.Errorf("secret %q leaked through /admin/config", secret)
		}
	}
}
