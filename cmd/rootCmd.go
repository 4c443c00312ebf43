package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mcscan/scan"
)

var (
	mode             = scan.ModeSequential
	seed             int64
	port             uint16 = scan.DefaultPort
	workers                 = 50
	rateLimit               = 100.0
	timeoutMS               = 3000
	queueSize        int
	checkpointPath   = "checkpoints/scan_checkpoint.json"
	checkpointEvery  = 10 * time.Second
	drainTimeout     = 30 * time.Second
	resume           bool
	fresh            bool
	webhookURL       string
	outputFile       string
	progressBar      bool
	progressEvery    uint64 = 100
	logFile          string
	verbose          bool
	versionRequested bool
	fdBackoff        = 500 * time.Millisecond
	maxFrame         int32 = scan.DefaultMaxFrame
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&mode, "mode", "m", mode, "Iteration mode: sequential or random")
	flags.Int64Var(&seed, "seed", seed, "Permutation seed for random mode (0 = derive from time)")
	flags.Uint16VarP(&port, "port", "p", port, "Server port to probe")
	flags.IntVarP(&workers, "workers", "w", workers, "Parallel probe workers")
	flags.Float64VarP(&rateLimit, "rate", "r", rateLimit, "Max new connection attempts per second")
	flags.IntVarP(&timeoutMS, "timeout-ms", "t", timeoutMS, "Per-probe timeout in MS")
	flags.IntVar(&queueSize, "queue", queueSize, "Pending work queue size (default: worker count)")
	flags.StringVarP(&checkpointPath, "checkpoint", "c", checkpointPath, "Checkpoint file path")
	flags.DurationVar(&checkpointEvery, "checkpoint-every", checkpointEvery, "Interval between durable checkpoint saves")
	flags.DurationVar(&drainTimeout, "drain-timeout", drainTimeout, "How long to wait for in-flight probes on shutdown")
	flags.BoolVar(&resume, "resume", resume, "Resume from an existing checkpoint")
	flags.BoolVar(&fresh, "fresh", fresh, "Discard any existing checkpoint and start over")
	flags.StringVar(&webhookURL, "webhook-url", webhookURL, "Discord webhook URL (or DISCORD_WEBHOOK_URL in env/.env)")
	flags.StringVarP(&outputFile, "output", "o", outputFile, "Append discovered servers to this JSON-lines file")
	flags.BoolVar(&progressBar, "progress", progressBar, "Show a live progress bar")
	flags.Uint64Var(&progressEvery, "progress-every", progressEvery, "Log a stats line every N probes (0 disables)")
	flags.DurationVar(&fdBackoff, "fd-backoff", fdBackoff, "Initial pause when local sockets run out (doubles to a 5s cap)")
	flags.Int32Var(&maxFrame, "max-frame", maxFrame, "Largest accepted status response frame in bytes")
	flags.StringVar(&logFile, "log-file", logFile, "Write logs to this file with rotation")
	flags.BoolVarP(&verbose, "verbose", "v", verbose, "Enable verbose logging")
	flags.BoolVar(&versionRequested, "version", versionRequested, "Output version information and exit")
}

var rootCmd = &cobra.Command{
	Use:   "mcscan <range>",
	Short: "Discover Minecraft servers across an IPv4 range",
	Long: `mcscan probes an IPv4 range for Minecraft Java Edition servers using the
status handshake, with checkpointed resume and rate-limited workers.

The range may be a CIDR block (10.0.0.0/24), an explicit range
(10.0.0.0-10.0.0.255) or a single address.`,
	Run: func(cmd *cobra.Command, args []string) {
		if versionRequested {
			fmt.Println("development version")
			os.Exit(0)
		}
		if len(args) != 1 {
			fmt.Println("specify exactly one target range")
			os.Exit(1)
		}

		setupLogging(verbose, logFile)

		// .env keeps the webhook URL out of shell history, as the original
		// deployment did.
		_ = godotenv.Load()
		if webhookURL == "" {
			webhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
		}

		start, end, err := scan.ParseRange(args[0])
		if err != nil {
			log.Fatal(err)
		}
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		cfg := scan.Config{
			RangeStart:      start,
			RangeEnd:        end,
			Port:            port,
			Mode:            mode,
			Seed:            seed,
			Workers:         workers,
			Queue:           queueSize,
			Rate:            rateLimit,
			Timeout:         time.Duration(timeoutMS) * time.Millisecond,
			CheckpointPath:  checkpointPath,
			CheckpointEvery: checkpointEvery,
			DrainTimeout:    drainTimeout,
			Resume:          resume,
			Fresh:           fresh,
			ProgressEvery:   progressEvery,
			ProgressBar:     progressBar,
		}

		sink, closeSinks, err := buildSink()
		if err != nil {
			log.Fatal(err)
		}
		defer closeSinks()

		prober := scan.NewStatusProber(cfg.Timeout)
		prober.Backoff = fdBackoff
		prober.MaxFrame = maxFrame
		scanner := scan.NewScanner(cfg, prober, sink)

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-c
			fmt.Println("shutting down, finishing in-flight probes...")
			scanner.RequestStop()
		}()

		if err := scanner.Run(context.Background()); err != nil {
			log.Fatal(err)
		}
	},
}

// buildSink assembles the delivery chain: console always, plus webhook and
// file outputs when configured.
func buildSink() (scan.ResultSink, func(), error) {
	sinks := scan.MultiSink{scan.ConsoleSink{}}
	closer := func() {}

	if webhookURL != "" {
		sinks = append(sinks, scan.NewWebhookSink(webhookURL))
	}
	if outputFile != "" {
		fs, err := scan.NewFileSink(outputFile)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fs)
		closer = func() { _ = fs.Close() }
	}
	return sinks, closer, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
