package main

import "testing"

func TestViolationReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		importer string
		imported string
		test     bool
		want     bool
	}{
		{name: "contracts stay public", importer: "burnerchat/pkg/burner", imported: "burnerchat/internal/cache", want: true},
		{name: "core may use contracts", importer: "burnerchat/internal/fetch", imported: "burnerchat/pkg/burner"},
		{name: "core is transport agnostic", importer: "burnerchat/internal/session", imported: "burnerchat/internal/transport/ws", want: true},
		{
			name:     "test variant of core",
			importer: "burnerchat/internal/signals [burnerchat/internal/signals.test]",
			imported: "burnerchat/internal/ledger",
			test:     true,
			want:     true,
		},
		{name: "transport below session", importer: "burnerchat/internal/transport", imported: "burnerchat/internal/session", want: true},
		{name: "ledger production code", importer: "burnerchat/internal/ledger", imported: "burnerchat/internal/transport/ws", want: true},
		{name: "ledger end to end tests", importer: "burnerchat/internal/ledger", imported: "burnerchat/internal/session", test: true},
		{name: "remotetest in production", importer: "burnerchat/cmd/burnerchat", imported: "burnerchat/internal/remotetest", want: true},
		{name: "remotetest in tests", importer: "burnerchat/internal/session", imported: "burnerchat/internal/remotetest", test: true},
		{name: "third party", importer: "burnerchat/pkg/burner", imported: "github.com/google/go-cmp/cmp"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			reason := violationReason(testCase.importer, testCase.imported, testCase.test)
			if (reason != "") != testCase.want {
				t.Fatalf("violationReason(%q, %q) = %q, want violation %v",
					testCase.importer, testCase.imported, reason, testCase.want)
			}
		})
	}
}
