// token_gen mints a service token for the control API. The signing key
// comes from JWT_SIGNING_KEY or the engine config, matching what sentineld
// validates against.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/tokens"
)

func main() {
	subject := flag.String("subject", "ops", "token subject (who holds it)")
	scope := flag.String("scope", tokens.ScopeControl, "token scope: control or read")
	ttl := flag.Duration("ttl", 0, "token lifetime; 0 means one year")
	configPath := flag.String("config", os.Getenv("SENTINEL_CONFIG"), "engine config file")
	flag.Parse()

	if *scope != tokens.ScopeControl && *scope != tokens.ScopeRead {
		log.Fatalf("unknown scope %q", *scope)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if cfg.JWTSigningKey == "" {
		log.Fatal("no signing key: set JWT_SIGNING_KEY or jwt_signing_key in the config")
	}

	token, err := tokens.NewManager(cfg.JWTSigningKey).GenerateServiceToken(*subject, *scope, *ttl)
	if err != nil {
		log.Fatalf("Token generation failed: %v", err)
	}
	fmt.Println(token)

	exp := *ttl
	if exp <= 0 {
		exp = 365 * 24 * time.Hour
	}
	fmt.Fprintf(os.Stderr, "subject=%s scope=%s expires=%s\n", *subject, *scope, time.Now().Add(exp).Format(time.RFC3339))
}
