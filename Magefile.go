//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"aaarefine/internal/database"
)

const binary = "aaarefine"

// requiredTables must exist in every aaarefine database.
var requiredTables = []string{
	"sessions", "session_turns", "processed_log", "results",
	"llm_usage", "latency_histogram", "telemetry_events",
}

// Build builds the aaarefine binary
func Build() error {
	mg.Deps(Vet, Test)

	version := os.Getenv("VERSION")
	if version == "" {
		version = "dev"
	}
	fmt.Printf("Building %s %s...\n", binary, version)

	return sh.RunV("go", "build",
		"-o", "bin/"+binary,
		"-ldflags", "-s -w -X main.version="+version,
		".")
}

// Test runs Go unit tests with the race detector
func Test() error {
	fmt.Println("Running Go tests...")
	return sh.RunV("go", "test", "-race", "-coverprofile=coverage.out", "./...")
}

// Vet runs go vet
func Vet() error {
	fmt.Println("Running go vet...")
	return sh.RunV("go", "vet", "./...")
}

// Lint runs golangci-lint
func Lint() error {
	fmt.Println("Running linters...")
	return sh.RunV("golangci-lint", "run", "./...")
}

// LintFix runs linters with auto-fix
func LintFix() error {
	fmt.Println("Running linters with auto-fix...")
	return sh.RunV("golangci-lint", "run", "--fix", "./...")
}

// Check runs vet, lint, tests and the build
func Check() error {
	mg.Deps(Vet, Lint, Test, Build)
	fmt.Println("All checks passed")
	return nil
}

// InitDB creates the database at $AAAREFINE_DB (default output/aaarefine.db)
// and verifies its schema
func InitDB() error {
	path := dbPath()
	fmt.Printf("Initializing %s...\n", path)

	db, err := database.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, table := range requiredTables {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)`,
			table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("missing required table %q in %s", table, path)
		}
		fmt.Printf("  ✓ %s\n", table)
	}
	return nil
}

// Clean removes build artifacts
func Clean() error {
	fmt.Println("Cleaning...")
	os.RemoveAll("bin")
	os.RemoveAll("coverage.out")
	return nil
}

// Serve builds and runs the tool server
func Serve() error {
	mg.Deps(Build)
	return sh.RunV("./bin/"+binary, "serve")
}

func dbPath() string {
	if p := os.Getenv("AAAREFINE_DB"); p != "" {
		return p
	}
	return filepath.Join("output", "aaarefine.db")
}
