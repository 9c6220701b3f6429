package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/tangzhangming/titan/internal/config"
	"github.com/tangzhangming/titan/internal/debugsrv"
	"github.com/tangzhangming/titan/internal/gc"
	"github.com/tangzhangming/titan/internal/logging"
	"github.com/tangzhangming/titan/internal/objects"
)

var (
	configPath   = flag.String("config", "", "Config file path (titan.toml)")
	genConfig    = flag.Bool("init", false, "Generate default titan.toml and exit")
	numObjects   = flag.Int("objects", 100000, "Number of objects in the synthetic graph")
	fanout       = flag.Int("fanout", 4, "References per object")
	clusterRatio = flag.Float64("clusters", 0.1, "Fraction of objects grouped into clusters")
	killRatio    = flag.Float64("kill", 0.3, "Fraction of objects marked pending kill per cycle")
	cycles       = flag.Int("cycles", 10, "Number of collection cycles to run")
	fullPurge    = flag.Bool("full", false, "Run blocking full purges instead of incremental")
	sequential   = flag.Bool("seq", false, "Force single-threaded reachability analysis")
	seed         = flag.Int64("seed", 1, "Graph random seed")
)

func main() {
	flag.Parse()

	if *genConfig {
		cfg := config.GenerateDefault()
		if err := cfg.Save(config.ConfigFileName); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", config.ConfigFileName)
		return
	}

	cfg := config.GenerateDefault()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *sequential {
		cfg.GC.AllowParallel = false
	}

	logger, err := logging.New(cfg.GC.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store := objects.NewStore()
	state := gc.NewGCState(store, cfg.GC.Settings(), logger)

	var srv *debugsrv.Server
	if addr := cfg.GC.DebugServerAddr; addr != "" {
		srv = debugsrv.New(state, logger)
		if err := srv.Listen(addr); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting debug server: %v\n", err)
			os.Exit(1)
		}
	}
	defer func() {
		var err error
		if srv != nil {
			err = srv.Close()
		}
		if cerr := multierr.Append(err, state.Cleanup()); cerr != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", cerr)
		}
	}()

	g := buildGraph(store, state, *numObjects, *fanout, *clusterRatio, *seed)
	fmt.Printf("Built graph: %d objects, %d roots, %d clusters\n",
		*numObjects, len(g.roots), g.numClusters)

	rng := rand.New(rand.NewSource(*seed))
	for i := 0; i < *cycles; i++ {
		g.churn(rng, *killRatio)

		start := time.Now()
		state.CollectGarbage(0, *fullPurge)
		for !state.TickPurge() {
		}
		elapsed := time.Since(start)

		snap := state.Stats().Snapshot()
		fmt.Printf("cycle %2d: visited=%-8d refs=%-9d unreachable=%-7d purged=%-8d elapsed=%v\n",
			i+1, snap.NumObjectsVisited, snap.NumReferencesFollowed,
			snap.NumUnreachable, snap.NumCollectedObjects, elapsed)
	}

	mem := state.MemoryStats()
	fmt.Println()
	fmt.Println("=== Memory ===")
	fmt.Printf("  scratch pages: %d bytes\n", mem.ScratchPageBytes)
	fmt.Printf("  free contexts: %d\n", mem.NumFreeContexts)
	fmt.Printf("  live objects:  %d\n", mem.NumLiveObjects)
	fmt.Printf("  clusters:      %d\n", mem.NumClusters)
}
