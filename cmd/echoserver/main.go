// Package main provides a mock downstream destination for exercising the
// gateway. It enforces the bearer credential, answers /health for
// diagnostic probes and echoes request details as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "echo", "service name")
	apiKey := flag.String("api-key", "", "bearer credential to require (empty accepts any)")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}
	if k := os.Getenv("API_KEY"); k != "" {
		*apiKey = k
	}

	// failing flips every non-health endpoint to 503. Toggle it with
	// POST /__fail and POST /__recover to drive the gateway's breakers.
	var failing atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if failing.Load() {
			status, code = "failing", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{"service": *name, "status": status})
	})

	mux.HandleFunc("/__fail", func(w http.ResponseWriter, r *http.Request) {
		failing.Store(true)
		writeJSON(w, http.StatusOK, map[string]interface{}{"service": *name, "failing": true})
	})
	mux.HandleFunc("/__recover", func(w http.ResponseWriter, r *http.Request) {
		failing.Store(false)
		writeJSON(w, http.StatusOK, map[string]interface{}{"service": *name, "failing": false})
	})

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	mux.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeJSON(w, code, map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__delay/{ms} sleeps before answering, for timeout tests.
	mux.HandleFunc("/__delay/", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/__delay/"))
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"service": *name, "delayed_ms": ms})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"service": *name, "error": "failing"})
			return
		}
		var body interface{}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				body = string(raw)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"body":        body,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, requireBearer(*apiKey, mux)))
}

// requireBearer rejects requests without "Authorization: Bearer <key>".
// /health stays open so probes work without credentials.
func requireBearer(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key != "" && r.URL.Path != "/health" && r.Header.Get("Authorization") != "Bearer "+key {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid credential"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if k == "Authorization" {
			flat[k] = "[REDACTED]"
			continue
		}
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
