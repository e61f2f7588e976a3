// Command hash-key produces PBKDF2 hashes for relay client API keys.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"imagerelay/internal/auth"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	key := fs.String("key", "", "API key to hash; read from stdin when empty")
	generate := fs.Bool("generate", false, "generate a random key and print it with its hash")
	verify := fs.String("verify", "", "check the key against this hash instead of printing a new one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	value := strings.TrimSpace(*key)
	switch {
	case *generate && value != "":
		return fmt.Errorf("--generate cannot be combined with --key")
	case *generate:
		generated, err := generateKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		value = generated
		fmt.Fprintf(stdout, "key:  %s\n", value)
	case value == "":
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read key: %w", err)
		}
		value = strings.TrimSpace(line)
	}
	if value == "" {
		return fmt.Errorf("a key is required")
	}

	if encoded := strings.TrimSpace(*verify); encoded != "" {
		if err := auth.VerifyKey(encoded, value); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "key matches")
		return nil
	}

	encoded, err := auth.HashKey(value)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "hash: %s\n", encoded)
	fmt.Fprintln(stdout, "Add the hash to RELAY_API_KEYS (comma separated) and hand the key to the client.")
	return nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
