package config

import (
	"errors"
	"flag"
	"os"
	"strings"
)

// Config holds the bridge server configuration
type Config struct {
	Addr     string // HTTP listen address
	LogLevel string
	LogFile  string // optional rotating log file, console only when empty

	// Provider API settings
	GraphAPIBase  string
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string // webhook handshake token

	// ICE settings
	STUNURLs     []string
	TURNURL      string
	TURNUsername string
	TURNPassword string
}

// Load loads configuration from command line flags and environment
// variables. Environment variables win.
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "logfile", "", "Rotating log file path (console only if empty)")
	flag.StringVar(&cfg.GraphAPIBase, "graph-api", "https://graph.facebook.com/v21.0", "Provider Graph API base URL")

	var stunURLs string
	flag.StringVar(&stunURLs, "stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")

	flag.Parse()

	cfg.STUNURLs = splitList(stunURLs)

	if addr := os.Getenv("ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.LogFile = file
	}
	if base := os.Getenv("GRAPH_API_BASE"); base != "" {
		cfg.GraphAPIBase = base
	}
	if stun := os.Getenv("STUN_URLS"); stun != "" {
		cfg.STUNURLs = splitList(stun)
	}

	cfg.AccessToken = os.Getenv("ACCESS_TOKEN")
	cfg.PhoneNumberID = os.Getenv("PHONE_NUMBER_ID")
	cfg.VerifyToken = os.Getenv("VERIFY_TOKEN")
	cfg.TURNURL = os.Getenv("TURN_URL")
	cfg.TURNUsername = os.Getenv("TURN_USERNAME")
	cfg.TURNPassword = os.Getenv("TURN_PASSWORD")

	cfg.GraphAPIBase = strings.TrimRight(cfg.GraphAPIBase, "/")

	return cfg
}

// Validate checks that the provider credentials are present. The server
// cannot answer webhooks or place calls without them.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return errors.New("ACCESS_TOKEN is required")
	}
	if c.PhoneNumberID == "" {
		return errors.New("PHONE_NUMBER_ID is required")
	}
	if c.VerifyToken == "" {
		return errors.New("VERIFY_TOKEN is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
