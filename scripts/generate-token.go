// Package main is a development utility that mints a bearer token for a local casedesk server.
// It signs with CASEDESK_AUTH_JWT_SECRET and prints the token together with a ready-to-run curl
// command against the audit log API. Do not use generated tokens in production.
//
// Usage:
//
//	go run ./scripts -user u-dev -email dev@casedesk.local -scopes audit:view_all,audit:export
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/casedesk/casedesk/internal/auth"
)

func main() {
	userID := flag.String("user", "dev-user", "user id claim")
	email := flag.String("email", "dev@casedesk.local", "email claim")
	name := flag.String("name", "Dev User", "display name claim")
	role := flag.String("role", "admin", "role claim")
	scopes := flag.String("scopes", string(auth.ScopeAuditViewAll), "comma-separated scopes")
	ttl := flag.Duration("ttl", 8*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("CASEDESK_AUTH_JWT_SECRET")
	if secret == "" {
		log.Fatal("CASEDESK_AUTH_JWT_SECRET is not set")
	}

	tokens, err := auth.NewTokenManager(secret, *ttl)
	if err != nil {
		log.Fatal(err)
	}

	var held []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			held = append(held, s)
		}
	}

	token, err := tokens.Generate(*userID, *email, *name, *role, held)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Token:   %s\n", token)
	fmt.Printf("Scopes:  %s\n", strings.Join(held, ", "))
	fmt.Printf("Expires: %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	fmt.Println()
	fmt.Println("Example:")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/audit-logs\n", token)
}
