package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "burnerchat/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		record := func(imports []string, test bool) {
			for _, imported := range imports {
				reason := violationReason(pkg.ImportPath, imported, test)
				if reason == "" {
					continue
				}
				entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
				found[entry] = struct{}{}
			}
		}
		record(pkg.Imports, false)
		record(pkg.TestImports, true)
		record(pkg.XTestImports, true)
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

// corePackages hold client-core state and must stay transport agnostic.
var corePackages = []string{
	"internal/cache",
	"internal/codec",
	"internal/eventbus",
	"internal/fetch",
	"internal/signals",
	"internal/session",
}

func violationReason(importer, imported string, test bool) string {
	if !strings.HasPrefix(imported, modulePrefix) {
		return ""
	}
	importer = strings.TrimSuffix(strings.TrimPrefix(importer, modulePrefix), ".test")
	imported = strings.TrimPrefix(imported, modulePrefix)
	// go list reports test variants as "path [path.test]".
	importer, _, _ = strings.Cut(importer, " ")

	if strings.HasPrefix(importer, "pkg/burner") && strings.HasPrefix(imported, "internal/") {
		return "pkg/burner must not import internal/*"
	}

	for _, core := range corePackages {
		if !strings.HasPrefix(importer, core) {
			continue
		}
		if strings.HasPrefix(imported, "internal/transport") || strings.HasPrefix(imported, "internal/ledger") {
			return core + " must not import transports or the ledger"
		}
	}

	if strings.HasPrefix(importer, "internal/transport") &&
		(strings.HasPrefix(imported, "internal/session") || strings.HasPrefix(imported, "internal/ledger")) {
		return "internal/transport must not import the session or the ledger"
	}

	if !test && strings.HasPrefix(importer, "internal/ledger") &&
		(strings.HasPrefix(imported, "internal/session") || strings.HasPrefix(imported, "internal/transport/ws")) {
		return "internal/ledger must serve the wire protocol without client code"
	}

	if !test && strings.HasPrefix(imported, "internal/remotetest") {
		return "internal/remotetest is for tests only"
	}

	return ""
}
