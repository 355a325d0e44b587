// ABOUTME: Interactive config file scaffolding for outpost init
// ABOUTME: Prompts for the service and storage settings and generates a session seal key

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/outpost/internal/config"
)

// initAnswers is what runInit collects.
type initAnswers struct {
	BaseURL   string
	DBPath    string
	Driver    string
	ProbeKind string
	GRPC      string
	TokenFile string
	SealKey   string
	LogLevel  string
	LogFormat string
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("outpost configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.Path())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	def := config.Default()
	var a initAnswers

	fmt.Println("\n--- Service ---")
	a.BaseURL = prompt(reader, "Service base URL", "https://api.example.com")
	a.ProbeKind = prompt(reader, "Liveness probe (http/grpc)", config.ProbeHTTP)
	if a.ProbeKind == config.ProbeGRPC {
		a.GRPC = prompt(reader, "gRPC health target", "")
	}

	fmt.Println("\n--- Local Storage ---")
	a.DBPath = prompt(reader, "SQLite database path", def.Database.Path)
	a.Driver = prompt(reader, "SQLite driver (modernc/mattn)", config.DriverModernc)
	a.TokenFile = prompt(reader, "Token file (empty to disable)", filepath.Join(config.DataDir(), "token"))
	if isYes(prompt(reader, "Encrypt the cached session?", "yes")) {
		key, err := newSealKey(rand.Reader)
		if err != nil {
			return err
		}
		a.SealKey = key
	}

	fmt.Println("\n--- Logging ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The seal key is a secret.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Catch typos before the first run.
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext:")
	fmt.Println("  outpost login --token <token>")
	fmt.Println("  outpost run")
	return nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# outpost configuration\n")
	b.WriteString("# Generated by outpost init\n\n")

	b.WriteString("service:\n")
	fmt.Fprintf(&b, "  base_url: %q\n\n", a.BaseURL)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n", a.DBPath)
	fmt.Fprintf(&b, "  driver: %q\n\n", a.Driver)

	b.WriteString("session:\n")
	b.WriteString("  window: \"168h\"\n")
	if a.TokenFile != "" {
		fmt.Fprintf(&b, "  token_file: %q\n", a.TokenFile)
	}
	if a.SealKey != "" {
		fmt.Fprintf(&b, "  seal_key: %q\n", a.SealKey)
	}
	b.WriteString("\n")

	b.WriteString("probe:\n")
	fmt.Fprintf(&b, "  kind: %q\n", a.ProbeKind)
	if a.GRPC != "" {
		fmt.Fprintf(&b, "  grpc_target: %q\n", a.GRPC)
	}
	b.WriteString("  timeout: \"10s\"\n\n")

	b.WriteString("background:\n")
	b.WriteString("  interval: \"3m\"\n\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)
	return b.String()
}

// newSealKey returns 32 random bytes, base64 encoded.
func newSealKey(r io.Reader) (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("generating seal key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
