package main

import (
	"bytes"
	"strings"
	"testing"

	"imagerelay/internal/auth"
)

func hashFromOutput(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "hash: ") {
			return strings.TrimPrefix(line, "hash: ")
		}
	}
	t.Fatalf("no hash in output %q", out)
	return ""
}

func TestRunHashesKeyFromFlag(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-key", "client-key-0123456789"}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("run error: %v", err)
	}
	encoded := hashFromOutput(t, out.String())
	if err := auth.VerifyKey(encoded, "client-key-0123456789"); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestRunReadsKeyFromStdin(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, strings.NewReader("stdin-key-0123456789\n"), &out); err != nil {
		t.Fatalf("run error: %v", err)
	}
	encoded := hashFromOutput(t, out.String())
	if err := auth.VerifyKey(encoded, "stdin-key-0123456789"); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestRunGeneratesKey(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-generate"}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("run error: %v", err)
	}
	var key string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "key:  ") {
			key = strings.TrimPrefix(line, "key:  ")
		}
	}
	if key == "" {
		t.Fatalf("no key in output %q", out.String())
	}
	if err := auth.VerifyKey(hashFromOutput(t, out.String()), key); err != nil {
		t.Fatalf("generated hash does not verify: %v", err)
	}
}

func TestRunVerify(t *testing.T) {
	encoded, err := auth.HashKey("verify-key-0123456789")
	if err != nil {
		t.Fatalf("HashKey error: %v", err)
	}
	var out bytes.Buffer
	if err := run([]string{"-key", "verify-key-0123456789", "-verify", encoded}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !strings.Contains(out.String(), "key matches") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if err := run([]string{"-key", "other-key-0123456789", "-verify", encoded}, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := run([]string{"-key", "short"}, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected error for short key")
	}
	if err := run([]string{"-generate", "-key", "client-key-0123456789"}, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected error when combining flags")
	}
}
