package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harrylevesque/qrattend/internal/config"
	"github.com/harrylevesque/qrattend/internal/crypto"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// Writes the store key that seals the local credential. Without it the client
// creates one on first login; run this to place it somewhere else (storage.key_file).
func main() {
	configPath := flag.String("config", "", "Config file")
	out := flag.String("out", "", "Key file (default storage.key_file from the config)")
	flag.Parse()

	keyFile := *out
	if keyFile == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		keyFile = cfg.Storage.KeyFile
	}
	if err := utils.EnsureDir(filepath.Dir(keyFile)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.WriteKeyFile(keyFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Store key written to %s\n", keyFile)
}
