// docvault-inspect is the diagnostic CLI for a docvault FileAdapter
// directory: it opens the vault with a password, reads one shard, and prints
// its document paths and counter bag either as pretty text or JSON. It also
// supports watch mode for polling a shard's counters over time.
//
// © 2025 docvault authors. MIT License.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyspan/docvault/pkg/adapter"
	"github.com/keyspan/docvault/pkg/bootstrap"
	"github.com/keyspan/docvault/pkg/shardcache"
)

var version = "dev"

type options struct {
	dir      string
	password string
	shardID  string
	watch    bool
	interval time.Duration
	jsonOut  bool
	showVer  bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.dir, "dir", "", "path to the vault's badger directory")
	flag.StringVar(&o.password, "password", "", "vault password (or set DOCVAULT_PASSWORD)")
	flag.StringVar(&o.shardID, "shard", "", "shard id to inspect")
	flag.BoolVar(&o.watch, "watch", false, "poll the shard repeatedly instead of a one-shot dump")
	flag.DurationVar(&o.interval, "interval", 2*time.Second, "poll interval in watch mode")
	flag.BoolVar(&o.jsonOut, "json", false, "print as JSON instead of pretty text")
	flag.BoolVar(&o.showVer, "version", false, "print version and exit")
	flag.Parse()
	if o.password == "" {
		o.password = os.Getenv("DOCVAULT_PASSWORD")
	}
	return o
}

func main() {
	opts := parseFlags()

	if opts.showVer {
		fmt.Println(version)
		return
	}
	if opts.dir == "" || opts.shardID == "" {
		fatal(fmt.Errorf("-dir and -shard are required"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	store, boot, err := openVault(ctx, opts)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	cache := shardcache.New(store, boot.RootCipher, boot.VerifierKey)

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			// A fresh cache per tick so each poll re-reads the store.
			tickCache := shardcache.New(store, boot.RootCipher, boot.VerifierKey)
			if err := dumpOnce(ctx, tickCache, boot.VaultID, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, cache, boot.VaultID, opts); err != nil {
		fatal(err)
	}
}

func openVault(ctx context.Context, opts *options) (*adapter.FileAdapter, *bootstrap.Bootstrap, error) {
	store, err := adapter.OpenFileAdapter(opts.dir)
	if err != nil {
		return nil, nil, err
	}
	boot, err := bootstrap.Open(ctx, store, opts.password)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, boot, nil
}

func dumpOnce(ctx context.Context, cache *shardcache.Cache, vaultID string, opts *options) error {
	s, err := cache.Read(ctx, opts.shardID)
	if err != nil {
		return err
	}

	paths, err := s.List(ctx, "/")
	if err != nil {
		return err
	}
	counters, err := s.GetCounters(ctx)
	if err != nil {
		return err
	}
	counterValues := make(map[string]uint64, len(counters.Ids()))
	for _, id := range counters.Ids() {
		v, _ := counters.Get(id)
		counterValues[id] = v
	}

	snap := map[string]any{
		"vault_id": vaultID,
		"shard_id": opts.shardID,
		"paths":    paths,
		"counters": counterValues,
	}

	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return prettyPrint(snap)
}

func prettyPrint(snap map[string]any) error {
	fmt.Printf("Vault:    %v\n", snap["vault_id"])
	fmt.Printf("Shard:    %v\n", snap["shard_id"])
	paths, _ := snap["paths"].([]string)
	fmt.Printf("Docs:     %d\n", len(paths))
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	fmt.Println("Counters:")
	if counters, ok := snap["counters"].(map[string]uint64); ok {
		for id, v := range counters {
			fmt.Printf("  %-20s %d\n", id, v)
		}
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "docvault-inspect:", err)
	os.Exit(1)
}
