// zbfd: hosting daemon for tape programs
//
// This is the main entry point for zbfd, which serves the JSON-RPC API
// and the gRPC runner over a persistent program catalog and run record
// store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RoeeJ/zbf/pkg/node"
	"github.com/RoeeJ/zbf/pkg/rpc"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	dataDir      = flag.String("data-dir", "./data", "Data directory for the catalog and run records")
	rpcAddr      = flag.String("rpc-addr", ":8599", "JSON-RPC server listen address")
	disableRPC   = flag.Bool("disable-rpc", false, "Disable the JSON-RPC server")
	logRPC       = flag.Bool("log-rpc", false, "Log individual JSON-RPC requests")
	grpcAddr     = flag.String("grpc-addr", ":8600", "gRPC runner listen address")
	disableGRPC  = flag.Bool("disable-grpc", false, "Disable the gRPC runner")
	maxSteps     = flag.Uint64("max-steps", rpc.DefaultMaxStepLimit, "Step cap applied to every hosted run")
	maxTape      = flag.Int("max-tape", rpc.DefaultMaxTapeSize, "Largest tape a run may request, in cells")
	bundleDir    = flag.String("bundle-dir", "", "Directory for program bundles (empty disables bundles)")
	importBundle = flag.Bool("import-bundle", false, "Seed an empty catalog from the newest bundle in -bundle-dir")
	gcInterval   = flag.Duration("gc-interval", time.Hour, "How often the record store reclaims value-log space")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("zbfd %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// Setup logging
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting zbfd %s", Version)

	config := node.DefaultConfig()
	config.DataDir = *dataDir
	config.RPCEnabled = !*disableRPC
	config.RPCAddr = *rpcAddr
	config.RPCLogRequests = *logRPC
	config.GRPCEnabled = !*disableGRPC
	config.GRPCAddr = *grpcAddr
	config.MaxStepLimit = *maxSteps
	config.MaxTapeSize = *maxTape
	config.BundleDir = *bundleDir
	config.ImportLatestBundle = *importBundle
	config.GCInterval = *gcInterval
	config.OnError = func(err error) {
		log.Printf("Background error: %v", err)
	}

	n, err := node.New(&config)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// SIGUSR1 exports the catalog to a bundle without stopping the node
	exportChan := make(chan os.Signal, 1)
	signal.Notify(exportChan, syscall.SIGUSR1)

	if err := n.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	status := n.Status()
	if status.RPCAddr != "" {
		log.Printf("JSON-RPC server listening on %s", status.RPCAddr)
	}
	if status.GRPCAddr != "" {
		log.Printf("gRPC runner listening on %s", status.GRPCAddr)
	}
	log.Printf("Data directory: %s (%d programs, %d run records)",
		status.DataDir, status.ProgramCount, status.RunCount)

	// Print status periodically
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down...", sig)
			if err := n.Stop(); err != nil {
				log.Printf("Shutdown error: %v", err)
			}
			log.Println("zbfd stopped")
			return

		case <-exportChan:
			path, result, err := n.ExportBundle()
			if err != nil {
				log.Printf("Bundle export failed: %v", err)
				continue
			}
			log.Printf("Exported %d programs (%d source bytes) to %s",
				result.ProgramCount, result.SourceBytes, path)

		case <-ticker.C:
			s := n.Status()
			log.Printf("Status: programs=%d, runs=%d, uptime=%s",
				s.ProgramCount, s.RunCount, s.Uptime.Round(time.Second))
			if s.LastError != nil {
				log.Printf("Last background error: %v", s.LastError)
			}
		}
	}
}
