// genkey generates a random API key for the kiseki collector.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Set the printed value as KISEKI_API_KEY on the collector and pass it to
// clients via WithCollector. Without a key the collector accepts
// unauthenticated ingest, which is fine for local development only.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ksk_%s\n", hex.EncodeToString(raw))
}
