// Command meshbusd loads a bus configuration and keeps one named bus
// instance alive until terminated. The process exposes no transport of
// its own; it only loads the configuration, creates the bus, and waits
// for a shutdown signal.
//
// Grounded on the teacher's cmd/appserver/main.go (flag parsing layered
// over config-file/env loading, signal-driven graceful shutdown),
// scoped down from an HTTP+Postgres server's startup sequence to a bus
// instance's.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cohortlabs/meshbus/bus"
	"github.com/cohortlabs/meshbus/busconfig"
)

func main() {
	name := flag.String("name", "", "bus instance name (overrides config/env)")
	configPath := flag.String("config", "", "path to a YAML bus configuration file")
	debug := flag.Bool("debug", false, "force debug mode regardless of config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*name); trimmed != "" {
		cfg.Name = trimmed
	}
	if *debug {
		cfg.Debug = true
	}

	b, err := bus.New(cfg.Name, bus.WithConfig(cfg.BusConfig()))
	if err != nil {
		log.Fatalf("start bus %q: %v", cfg.Name, err)
	}
	log.Printf("meshbus %q ready (id=%s)", b.Name(), b.ID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	b.Destroy()
	log.Printf("meshbus %q stopped", cfg.Name)
}

func loadConfig(path string) (*busconfig.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return busconfig.LoadFile(trimmed)
	}
	cfg, err := busconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return cfg, nil
}
