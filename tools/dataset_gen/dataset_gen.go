// dataset_gen is a tiny helper utility to generate deterministic document
// path/payload datasets for load-testing docvault outside `go test`. It
// emits newline-separated "shard\tpath\tpayload" records under a small tree
// of shard prefixes.
//
// Usage:
//
//	go run ./tools/dataset_gen -n 100000 -dist=zipf -seed=42 -out docs.tsv
//
// Flags:
//
//	-n       number of documents to generate (default 100000)
//	-dist    distribution over shard prefixes: "uniform" or "zipf" (default uniform)
//	-shards  number of distinct shard prefixes (default 8)
//	-zipfs   Zipf s parameter (>1) (default 1.2)
//	-zipfv   Zipf v parameter (>=1) (default 1.0)
//	-seed    RNG seed (default current time)
//	-out     output file (default stdout)
//
// Placed under version control so any contributor can regenerate the exact
// dataset used in a performance regression hunt.
//
// © 2025 docvault authors. MIT License.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

func main() {
	var (
		n       = flag.Int("n", 100_000, "number of documents to generate")
		dist    = flag.String("dist", "uniform", "distribution over shard prefixes: uniform or zipf")
		shards  = flag.Int("shards", 8, "number of distinct shard prefixes")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	if *shards <= 0 {
		fmt.Fprintln(os.Stderr, "shards must be >0")
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seedVal))

	var shardOf func() int
	switch *dist {
	case "uniform":
		shardOf = func() int { return rnd.Intn(*shards) }
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1.0 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, uint64(*shards-1))
		shardOf = func() int { return int(z.Uint64()) }
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	for i := 0; i < *n; i++ {
		shardID := shardOf()
		path := fmt.Sprintf("/docs/%d/%d", shardID, i)
		payload := fmt.Sprintf("payload-%d-%d", shardID, rnd.Int63())
		fmt.Fprintf(w, "shard-%d\t%s\t%s\n", shardID, path, payload)
	}
}
