package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/agentgov/pkg/kms"
)

// runKeygenCmd creates or rotates a file keystore. Without --keystore it
// prints a fresh hex key suitable for SIGNING_KEY.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		keystore string
		rotate   bool
	)
	cmd.StringVar(&keystore, "keystore", "", "Keystore file to create or rotate")
	cmd.BoolVar(&rotate, "rotate", false, "Add a new key version and make it active")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if keystore == "" {
		if rotate {
			_, _ = fmt.Fprintln(stderr, "Error: --rotate requires --keystore")
			return 2
		}
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, hex.EncodeToString(key))
		return 0
	}

	_, statErr := os.Stat(keystore)
	existed := !errors.Is(statErr, os.ErrNotExist)

	p, err := kms.NewFileKeyProvider(keystore)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if rotate && existed {
		if _, err := p.Rotate(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	verb := "created"
	if existed {
		verb = "loaded"
		if rotate {
			verb = "rotated"
		}
	}
	_, _ = fmt.Fprintf(stdout, "keystore %s %s (active version %d)\n", keystore, verb, p.ActiveVersion())
	return 0
}
