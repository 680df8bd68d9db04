package ws

import (
	"strings"
	"testing"
	"time"
)

// TestParseOptions verifies transport config decoding and validation.
func TestParseOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    Options
		wantErr string
	}{
		{
			name: "defaults",
			raw:  `{"url":"ws://127.0.0.1:8787/ws"}`,
			want: Options{
				URL:            "ws://127.0.0.1:8787/ws",
				RequestTimeout: defaultRequestTimeout,
				DialTimeout:    defaultDialTimeout,
			},
		},
		{
			name: "explicit timeouts",
			raw:  `{"url":" wss://ledger.example/ws ","request_timeout":"2s","dial_timeout":"500ms"}`,
			want: Options{
				URL:            "wss://ledger.example/ws",
				RequestTimeout: 2 * time.Second,
				DialTimeout:    500 * time.Millisecond,
			},
		},
		{name: "empty block", raw: ``, wantErr: "missing url"},
		{name: "unknown field", raw: `{"url":"ws://x","retries":3}`, wantErr: "unknown field"},
		{name: "http scheme", raw: `{"url":"http://x"}`, wantErr: "unsupported scheme"},
		{name: "bad duration", raw: `{"url":"ws://x","request_timeout":"soon"}`, wantErr: "request_timeout"},
		{name: "negative duration", raw: `{"url":"ws://x","dial_timeout":"-1s"}`, wantErr: "must be positive"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseOptions([]byte(testCase.raw))
			if testCase.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.URL != testCase.want.URL ||
				got.RequestTimeout != testCase.want.RequestTimeout ||
				got.DialTimeout != testCase.want.DialTimeout {
				t.Fatalf("options = %+v, want %+v", got, testCase.want)
			}
		})
	}
}
