package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/routing-gateway/internal/config"
	"github.com/dskow/routing-gateway/internal/server"
)

const (
	jwtSecret = "integration-test-secret-key-32chars!!"
	jwtIssuer = "https://auth.example.com"
	jwtAud    = "routing-gateway"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// downstream is a mock destination. It answers JSON, checks the bearer
// credential and can be switched into a failing mode.
type downstream struct {
	name    string
	apiKey  string
	srv     *httptest.Server
	failing atomic.Bool
	hits    atomic.Int64

	mu   sync.Mutex
	last *http.Request
	body string
}

func newDownstream(t *testing.T, name, apiKey string) *downstream {
	t.Helper()
	d := &downstream{name: name, apiKey: apiKey}
	d.srv = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *downstream) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/health" {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": d.name})
		return
	}
	d.hits.Add(1)
	body, _ := io.ReadAll(r.Body)
	d.mu.Lock()
	d.last = r.Clone(r.Context())
	d.body = string(body)
	d.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+d.apiKey {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "bad credential"})
		return
	}
	if strings.HasPrefix(r.URL.Path, "/slow") {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
			return
		}
	}
	if d.failing.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": d.name,
		"method":  r.Method,
		"path":    r.URL.Path,
		"query":   r.URL.RawQuery,
	})
}

func (d *downstream) lastRequest() (*http.Request, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.body
}

// gateway is an in-process gateway listening on a loopback port.
type gateway struct {
	*server.Server
	url string
}

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

func startGateway(t *testing.T, yaml string) *gateway {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := server.New(cfg, staticConfig{cfg}, logger)
	if err != nil {
		t.Fatalf("building gateway: %v", err)
	}
	ts := httptest.NewServer(s.Handler)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return &gateway{Server: s, url: ts.URL}
}

func generateJWT(sub, scope string, expiry time.Duration) string {
	claims := jwt.MapClaims{
		"sub":   sub,
		"iss":   jwtIssuer,
		"aud":   jwtAud,
		"exp":   time.Now().Add(expiry).Unix(),
		"scope": scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(fmt.Sprintf("generateJWT: %v", err))
	}
	return s
}

func httpDo(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func httpGet(t *testing.T, url string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodGet, url, "", headers)
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func parseJSON(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", string(data), err)
	}
	return m
}

// metadata returns the routing metadata of a proxy envelope.
func metadata(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	m, ok := parseJSON(t, data)["metadata"].(map[string]interface{})
	if !ok {
		t.Fatalf("metadata missing in %s", data)
	}
	return m
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertErrorCode(t *testing.T, body []byte, expected string) {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("failed to parse error response: %v\nbody: %s", err, string(body))
	}
	code, ok := m["error_code"].(string)
	if !ok {
		t.Fatalf("error_code field missing or not a string in %s", string(body))
	}
	if code != expected {
		t.Errorf("expected error_code %q, got %q", expected, code)
	}
}

func assertHeaderPresent(t *testing.T, resp *http.Response, key string) {
	t.Helper()
	if resp.Header.Get(key) == "" {
		t.Errorf("expected header %s to be present", key)
	}
}

func assertBodyContains(t *testing.T, body []byte, substr string) {
	t.Helper()
	if !strings.Contains(string(body), substr) {
		t.Errorf("expected body to contain %q, got %q", substr, string(body))
	}
}
