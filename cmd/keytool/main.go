// Command keytool manages the encryption keyring from an operator's shell:
// generating key material, producing rotation instructions and inspecting
// ciphertexts. It never prints plaintext for sealed values.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/ocmt/control-plane/internal/crypto"
	"github.com/ocmt/control-plane/internal/keyring"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Key material may live in a local .env during development.
	_ = godotenv.Load()

	switch os.Args[1] {
	case "generate":
		cmdGenerate()
	case "rotate":
		cmdRotate()
	case "inspect":
		cmdInspect(os.Args[2:])
	case "reencrypt":
		cmdReencrypt(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Keyring management for the control plane

Usage: keytool <command> [args]

Commands:
  generate                Print a fresh key as 64 hex characters
  rotate                  Print rotation advice for the configured keyring
  inspect <ciphertext>    Report a ciphertext's key version and whether it opens
  reencrypt <ciphertext>  Reseal a ciphertext under the current key
  help                    Show this help

Environment:
  ENCRYPTION_KEY          Current key, 64 hex characters (required except for generate)
  ENCRYPTION_KEY_VERSION  Version of the current key (default: 0)
  ENCRYPTION_KEY_V{n}     Historical keys still needed to open old ciphertexts

Examples:
  keytool generate
  keytool rotate
  keytool inspect 'v1:2Fcy...:a8Qw...:x91M...'`)
}

func cmdGenerate() {
	keyHex, err := crypto.RandomHex(crypto.KeySize)
	if err != nil {
		fatal("generate key: %v", err)
	}
	fmt.Println(keyHex)
}

func cmdRotate() {
	ring := loadRing()
	advice, err := ring.Rotate()
	if err != nil {
		fatal("rotate: %v", err)
	}
	out, err := json.MarshalIndent(advice, "", "  ")
	if err != nil {
		fatal("encode advice: %v", err)
	}
	fmt.Println(string(out))
}

func cmdInspect(args []string) {
	if len(args) != 1 {
		fatal("usage: keytool inspect <ciphertext>")
	}
	ciphertext := args[0]
	version := keyring.KeyVersion(ciphertext)
	fmt.Printf("version: %d\n", version)

	ring, err := keyring.NewFromEnv()
	if err != nil {
		fmt.Printf("keyring: not configured (%v)\n", err)
		return
	}
	fmt.Printf("current: %d\n", ring.CurrentVersion())
	if ring.NeedsReencryption(ciphertext) {
		fmt.Println("status:  stale, reseal with `keytool reencrypt`")
	} else {
		fmt.Println("status:  current")
	}

	plaintext, err := ring.Decrypt(ciphertext)
	if err != nil {
		fmt.Printf("opens:   no (%v)\n", err)
		os.Exit(1)
	}
	fmt.Printf("opens:   yes (%d bytes)\n", len(plaintext))
	crypto.Zero(plaintext)
}

func cmdReencrypt(args []string) {
	if len(args) != 1 {
		fatal("usage: keytool reencrypt <ciphertext>")
	}
	ring := loadRing()
	resealed, err := ring.Reencrypt(args[0])
	if err != nil {
		fatal("reencrypt: %v", err)
	}
	fmt.Println(resealed)
}

func loadRing() *keyring.Keyring {
	ring, err := keyring.NewFromEnv()
	if err != nil {
		fatal("load keyring: %v", err)
	}
	return ring
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
