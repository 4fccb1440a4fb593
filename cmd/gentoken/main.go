// Command gentoken mints an HS256 bearer token for the admin API. It reads
// the signing settings from the gateway config so the token matches what
// the auth middleware expects.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/routing-gateway/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	subject := flag.String("sub", "operator", "token subject")
	ttl := flag.Duration("ttl", 2*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Auth.Enabled {
		fmt.Fprintln(os.Stderr, "error: auth is disabled in this config; the admin API accepts requests without a token")
		os.Exit(1)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   *subject,
		"iss":   cfg.Auth.Issuer,
		"aud":   cfg.Auth.Audience,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(*ttl).Unix(),
		"scope": strings.Join(cfg.Auth.Scopes, " "),
	})
	s, err := token.SignedString([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
