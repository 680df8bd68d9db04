package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"burnerchat/internal/codec"
	"burnerchat/internal/ledger"
	"burnerchat/internal/telemetry"
	"burnerchat/internal/transport/ws"
	"burnerchat/pkg/burner"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		environment map[string]string
		want        appConfig
		wantErr     string
	}{
		{
			name:        "defaults",
			environment: map[string]string{},
			want: appConfig{
				Addr:            "127.0.0.1:8787",
				DBPath:          "ledger.db",
				LogLevel:        slog.LevelInfo,
				ShutdownTimeout: 10 * time.Second,
			},
		},
		{
			name: "overrides",
			environment: map[string]string{
				"LEDGERD_ADDR":             ":9000",
				"LEDGERD_DB_PATH":          ":memory:",
				"LEDGERD_LOG_LEVEL":        "debug",
				"LEDGERD_OTLP_ENDPOINT":    "http://collector:4318",
				"LEDGERD_SHUTDOWN_TIMEOUT": "2s",
			},
			want: appConfig{
				Addr:            ":9000",
				DBPath:          ":memory:",
				LogLevel:        slog.LevelDebug,
				OTLPEndpoint:    "http://collector:4318",
				ShutdownTimeout: 2 * time.Second,
			},
		},
		{
			name:        "bad level",
			environment: map[string]string{"LEDGERD_LOG_LEVEL": "loud"},
			wantErr:     "parse env",
		},
		{
			name:        "blank path",
			environment: map[string]string{"LEDGERD_DB_PATH": "  "},
			wantErr:     "LEDGERD_DB_PATH",
		},
		{
			name:        "non-positive shutdown",
			environment: map[string]string{"LEDGERD_SHUTDOWN_TIMEOUT": "0s"},
			wantErr:     "LEDGERD_SHUTDOWN_TIMEOUT",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := loadConfig(testCase.environment)
			if testCase.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("load config: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("config = %+v, want %+v", got, testCase.want)
			}
		})
	}
}

// TestServeUntilCanceled verifies the mux routes and graceful shutdown with a connected client.
func TestServeUntilCanceled(t *testing.T) {
	t.Parallel()

	store, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	metrics := telemetry.NewMetrics()
	hub, err := ledger.NewHub(ledger.HubConfig{Store: store, Codec: codec.MustNewCBOR(), Metrics: metrics})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- serve(ctx, listener, hub, metrics, 2*time.Second)
	}()

	client, err := ws.Dial(context.Background(), ws.Options{
		URL:   "ws://" + addr + "/ws",
		Agent: burner.MustIdentityKey([]byte("alice")),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if _, err := client.ChannelMembers(context.Background(), "room"); err != nil {
		t.Fatalf("members: %v", err)
	}

	httpClient := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	health := get(t, httpClient, "http://"+addr+"/healthz")
	if !strings.Contains(health, "ok clients=1") {
		t.Fatalf("healthz = %q, want one client", health)
	}
	exposition := get(t, httpClient, "http://"+addr+"/metrics")
	if !strings.Contains(exposition, `burnerchat_ledger_requests_total{method="get_channel_members",outcome="ok"} 1`) {
		t.Fatalf("metrics missing ledger request counter:\n%s", exposition)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client was not disconnected on shutdown")
	}
}

func get(t *testing.T, client *http.Client, url string) string {
	t.Helper()

	response, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("get %s status = %d", url, response.StatusCode)
	}

	return string(body)
}
