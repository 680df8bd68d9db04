package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TransportType is the configuration type token of this transport.
const TransportType = "ws"

// fileConfig is the transport-specific JSON block of a transport definition.
type fileConfig struct {
	URL            string `json:"url"`
	RequestTimeout string `json:"request_timeout"`
	DialTimeout    string `json:"dial_timeout"`
}

// ParseOptions decodes a transport definition's config block. Agent and
// Logger are left for the caller to fill.
func ParseOptions(raw []byte) (Options, error) {
	var cfg fileConfig
	if len(bytes.TrimSpace(raw)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return Options{}, fmt.Errorf("parse ws config: %w", err)
		}
	}

	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return Options{}, fmt.Errorf("parse ws config: missing url")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return Options{}, fmt.Errorf("parse ws config url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return Options{}, fmt.Errorf("parse ws config url: unsupported scheme %q", parsed.Scheme)
	}

	requestTimeout, err := parseDuration("request_timeout", cfg.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return Options{}, err
	}
	dialTimeout, err := parseDuration("dial_timeout", cfg.DialTimeout, defaultDialTimeout)
	if err != nil {
		return Options{}, err
	}

	return Options{
		URL:            cfg.URL,
		RequestTimeout: requestTimeout,
		DialTimeout:    dialTimeout,
	}, nil
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse ws config %s: %w", field, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("parse ws config %s: must be positive", field)
	}

	return value, nil
}
