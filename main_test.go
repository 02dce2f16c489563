package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNormalizeServerURL(t *testing.T) {
	cases := map[string]string{
		"":                        "",
		"10.0.0.5":                "http://10.0.0.5:1616",
		"10.0.0.5:9000":           "http://10.0.0.5:9000",
		"https://mon.example/":    "https://mon.example:1616",
		"http://mon.example:8080": "http://mon.example:8080",
		"[::1]":                   "http://[::1]:1616",
		"[::1]:7000":              "http://[::1]:7000",
	}
	for in, want := range cases {
		if got := normalizeServerURL(in, 1616); got != want {
			t.Errorf("normalizeServerURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	if err := setupLogging("text", "debug"); err != nil {
		t.Fatal(err)
	}
	if logLevel.Level() != slog.LevelDebug {
		t.Fatalf("level = %v", logLevel.Level())
	}
	if err := setupLogging("xml", "info"); err == nil {
		t.Fatal("unknown format accepted")
	}
	if err := setLevel("loud"); err == nil {
		t.Fatal("unknown level accepted")
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, "AGENT")
	out := buf.String()
	if !strings.HasPrefix(out, asciiLogo+"\n") {
		t.Errorf("banner does not start with the logo: %q", out)
	}
	if want := "talonscope " + version + "  |  Mode: AGENT\n\n"; !strings.HasSuffix(out, want) {
		t.Errorf("banner tail: got %q, want suffix %q", out, want)
	}
}
