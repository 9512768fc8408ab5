package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/marmos91/blockgrid/internal/logger"
	"github.com/marmos91/blockgrid/internal/telemetry"
	"github.com/marmos91/blockgrid/pkg/binlog"
	"github.com/marmos91/blockgrid/pkg/config"
	"github.com/marmos91/blockgrid/pkg/index"
	"github.com/marmos91/blockgrid/pkg/metrics"
	"github.com/marmos91/blockgrid/pkg/recovery"
	"github.com/marmos91/blockgrid/pkg/replication"
	"github.com/marmos91/blockgrid/pkg/server"
	"github.com/marmos91/blockgrid/pkg/trunk"
	s3archive "github.com/marmos91/blockgrid/pkg/trunk/archive/s3"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `blockgrid-server - Distributed block-storage data-group node

Usage:
  blockgrid-server <command> [flags]

Commands:
  init     Initialize a sample configuration file
  serve    Start the server
  version  Show version information

Flags:
  --config string    Path to config file (default: $XDG_CONFIG_HOME/blockgrid/config.yaml)
  --force            Force overwrite existing config file (init command only)

Examples:
  # Initialize config file
  blockgrid-server init

  # Start server with default config location
  blockgrid-server serve

  # Start server with custom config
  blockgrid-server serve --config /etc/blockgrid/config.yaml

  # Use environment variables to override config
  BLOCKGRID_LOGGING_LEVEL=DEBUG blockgrid-server serve

Environment Variables:
  All configuration options can be overridden using environment variables.
  Format: BLOCKGRID_<SECTION>_<KEY> (use underscores for nested keys)

  Examples:
    BLOCKGRID_LOGGING_LEVEL=DEBUG
    BLOCKGRID_CLUSTER_ROLE=slave
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit()
	case "serve":
		runServe()
	case "help", "--help", "-h":
		fmt.Print(usage)
		os.Exit(0)
	case "version", "--version", "-v":
		fmt.Printf("blockgrid-server %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runInit() {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := initFlags.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/blockgrid/config.yaml)")
	force := initFlags.Bool("force", false, "Force overwrite existing config file")

	if err := initFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	var configPath string
	var err error
	if *configFile != "" {
		err = config.InitConfigToPath(*configFile, *force)
		configPath = *configFile
	} else {
		configPath, err = config.InitConfig(*force)
	}
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: blockgrid-server serve")
	fmt.Printf("  3. Or specify custom config: blockgrid-server serve --config %s\n", configPath)
}

func runServe() {
	serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := serveFlags.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/blockgrid/config.yaml)")
	if err := serveFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.MustLoad(*configFile)
	if err != nil {
		log.Fatalf("%v", err)
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "blockgrid-server",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	logger.Info("blockgrid-server starting", logger.DataGroup(cfg.Cluster.DataGroupID))
	logger.Info("configuration loaded", logger.ClientIP(getConfigSource(*configFile)))

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		m = metrics.New()
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
		logger.Info("metrics enabled", logger.ClientIP(fmt.Sprintf(":%d", cfg.Metrics.Port)))
	} else {
		logger.Info("metrics disabled")
	}

	idx := index.New(4096)
	alloc := trunk.New(cfg.Storage.Paths, cfg.Storage.Lanes)
	defer alloc.Close()

	binlogPath := filepath.Join(cfg.Storage.Paths[0], "binlog.log")
	log, err := binlog.Load(binlogPath, idx, alloc)
	if err != nil {
		logFatal("Failed to load binlog: %v", err)
	}
	defer log.Close()

	node := server.New(cfg.Cluster.DataGroupID, idx, alloc, log, m)

	if cfg.Archive.Enabled {
		go runColdReclaim(ctx, cfg, alloc)
	}

	grpcSrv := grpc.NewServer()
	replication.RegisterService(grpcSrv, node)
	recovery.RegisterService(grpcSrv, log)

	grpcListener, err := net.Listen("tcp", cfg.Cluster.GRPCAddr)
	if err != nil {
		logFatal("Failed to listen on grpc address: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(grpcListener); err != nil {
			logger.Error("grpc server error", logger.Err(err))
		}
	}()
	logger.Info("replication/recovery grpc service listening", logger.ClientIP(cfg.Cluster.GRPCAddr))

	var slaveConns []*grpc.ClientConn
	if cfg.Cluster.Role == "master" && len(cfg.Cluster.Slaves) > 0 {
		slaves := make([]replication.SlaveClient, 0, len(cfg.Cluster.Slaves))
		for _, addr := range cfg.Cluster.Slaves {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				logFatal("Failed to dial slave %s: %v", addr, err)
			}
			slaveConns = append(slaveConns, conn)
			slaves = append(slaves, replication.NewGRPCSlaveClient(conn))
		}
		lane := replication.NewLane(cfg.Cluster.DataGroupID, slaves)
		node.SetLane(lane)
		logger.Info("replication lane active", logger.DataGroup(cfg.Cluster.DataGroupID), logger.Attempt(len(slaves)))
	}
	defer func() {
		for _, c := range slaveConns {
			c.Close()
		}
	}()

	if cfg.Cluster.Role == "slave" {
		if cfg.Cluster.MasterAddr == "" {
			logger.Info("no master_addr configured, skipping rejoin recovery")
		} else {
			runRejoinRecovery(ctx, cfg, cfg.Cluster.MasterAddr, idx, alloc, log)
		}
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- node.Serve(ctx, cfg.Cluster.ListenAddr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("server is running", logger.ClientIP(cfg.Cluster.ListenAddr))

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		grpcSrv.GracefulStop()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer stopCancel()
		if err := node.Stop(stopCtx); err != nil {
			logger.Error("server shutdown error", logger.Err(err))
			os.Exit(1)
		}
		<-serverDone
		logger.Info("server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("server error", logger.Err(err))
			os.Exit(1)
		}
		logger.Info("server stopped")
	}
}

// runRejoinRecovery drives a slave's rejoin against its master before
// the client-facing listener opens, so no client ever observes a slave
// serving stale data just after restart.
func runRejoinRecovery(ctx context.Context, cfg *config.Config, masterAddr string, idx *index.Index, alloc *trunk.Allocator, log *binlog.Binlog) {
	conn, err := grpc.NewClient(masterAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Error("recovery: failed to dial master", logger.Err(err))
		return
	}
	defer conn.Close()

	recDir := filepath.Join(cfg.Recovery.Dir, cfg.Cluster.DataGroupID)
	rec, err := recovery.Open(recDir)
	if err != nil {
		logger.Error("recovery: failed to open recovery state", logger.Err(err))
		return
	}
	defer rec.Close()

	feed := &recovery.GRPCMasterFeed{Conn: conn}
	stats, err := rec.Run(ctx, feed, rec.CurrentDataVersion(), idx, alloc, log, nil)
	if err != nil {
		logger.Error("recovery: rejoin failed", logger.Err(err))
		return
	}
	logger.Info("recovery: rejoin complete",
		logger.DataVersion(stats.DataVersion),
		logger.Attempt(stats.RecordsReplayed))
}

// runColdReclaim periodically archives underutilized trunks to S3 and
// marks them reclaiming, freeing local disk space that would
// otherwise sit idle behind a mostly-empty 1GiB trunk file.
func runColdReclaim(ctx context.Context, cfg *config.Config, alloc *trunk.Allocator) {
	archiver, err := s3archive.NewFromConfig(ctx, s3archive.Config{
		Bucket:         cfg.Archive.Bucket,
		Region:         cfg.Archive.Region,
		Endpoint:       cfg.Archive.Endpoint,
		KeyPrefix:      cfg.Archive.KeyPrefix,
		ForcePathStyle: cfg.Archive.ForcePathStyle,
	})
	if err != nil {
		logger.Error("archive: failed to build s3 client, cold reclaim disabled", logger.Err(err))
		return
	}

	ticker := time.NewTicker(cfg.Archive.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := alloc.ReclaimCold(ctx, archiver, cfg.Archive.MaxUtilization)
			if stats.Scanned > 0 {
				logger.Info("archive: cold reclaim pass complete",
					logger.Attempt(stats.Scanned), logger.RefferCount(int32(stats.Archived)))
			}
		}
	}
}

func logFatal(format string, args ...any) {
	log.Fatalf(format, args...)
}

func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
