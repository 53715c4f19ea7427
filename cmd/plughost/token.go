package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/HerbHall/plughost/internal/config"
	"github.com/HerbHall/plughost/internal/server"
)

// runToken prints a management API access token signed with
// server.auth_secret.
func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	subject := fs.String("subject", "admin", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	readOnly := fs.Bool("read-only", false, "restrict the token to GET requests")
	_ = fs.Parse(args)

	v, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	cfg, err := server.ConfigFrom(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server configuration: %v\n", err)
		return 1
	}
	if cfg.AuthSecret == "" {
		fmt.Fprintln(os.Stderr, "server.auth_secret is not set; the management API is unauthenticated")
		return 1
	}
	tok, err := server.IssueToken([]byte(cfg.AuthSecret), *subject, *ttl, *readOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		return 1
	}
	fmt.Println(tok)
	return 0
}
