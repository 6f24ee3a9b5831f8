// NPU job scheduler

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/npu-sched/base/zaplog"

	"example.com/npu-sched/benchmark"

	"example.com/npu-sched/core/config"
	"example.com/npu-sched/core/device"
	"example.com/npu-sched/core/journal"

	"example.com/npu-sched/driver/hw"
	"example.com/npu-sched/driver/mem"
	"example.com/npu-sched/driver/pm"
	"example.com/npu-sched/driver/sim"
)

var (
	log *zap.Logger
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
	zaplog.SetLogger(log)
}

func runMonitor(log *zap.Logger, addr string) {
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	log.Fatal("failed to serve metrics", zap.Error(err))
}

func loadConfig(configFile string) config.Config {
	if configFile == "" {
		return config.Default()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	return cfg
}

// openDevice brings up a device on simulated cores as configured. The
// returned journal is nil unless journal_path is set.
func openDevice(cfg config.Config) (*device.Device, *journal.Journal) {
	var jr *journal.Journal
	if cfg.JournalPath != "" {
		var err error
		jr, err = journal.Open(log, cfg.JournalPath)
		if err != nil {
			log.Fatal("failed to open journal", zap.Error(err))
		}
	}
	cores := make([]hw.Core, cfg.NumCores)
	for i := range cores {
		cores[i] = sim.NewCore(log, i, cfg.ExecTime())
	}
	dcfg := device.Config{
		JobTimeout: cfg.JobTimeout(),
		HangLimit:  cfg.HangLimit,
		ResultsCap: cfg.ResultsCap,
	}
	if jr != nil {
		dcfg.Journal = jr
	}
	d := device.New(log, cores, pm.NewGovernor(log), mem.NewHostAllocator(log), dcfg)
	return d, jr
}

func closeDevice(d *device.Device, jr *journal.Journal) {
	if err := d.Close(); err != nil {
		log.Error("failed to close device", zap.Error(err))
	}
	if jr != nil {
		if err := jr.Close(); err != nil {
			log.Error("failed to close journal", zap.Error(err))
		}
	}
}

func runServer(configFile string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(configFile)
	d, jr := openDevice(cfg)
	defer closeDevice(d, jr)

	go runMonitor(log, cfg.MetricsAddress)

	<-ctx.Done()
	log.Info("shutting down")
}

func runSubmit(configFile, batchFile string, timeout time.Duration) {
	cfg := loadConfig(configFile)
	raw, err := os.ReadFile(batchFile)
	if err != nil {
		log.Fatal("failed to read batch", zap.Error(err))
	}
	bf, err := decodeBatch(raw)
	if err != nil {
		log.Fatal("failed to decode batch", zap.Error(err))
	}

	d, jr := openDevice(cfg)
	defer closeDevice(d, jr)

	rs, err := runBatch(context.Background(), d, bf, timeout)
	for _, r := range rs {
		if r.err != nil {
			fmt.Printf("job %d\t%v\t%v\n", r.id, r.outcome, r.err)
		} else {
			fmt.Printf("job %d\t%v\n", r.id, r.outcome)
		}
	}
	if err != nil {
		log.Error("batch failed", zap.Error(err))
	}
}

func runBenchmark(configFile string, p benchmark.Params) {
	cfg := loadConfig(configFile)
	d, jr := openDevice(cfg)
	defer closeDevice(d, jr)

	r, err := benchmark.Run(context.Background(), log, d, p)
	if err != nil {
		log.Error("benchmark failed", zap.Error(err))
		return
	}
	r.Print(os.Stdout)
}

func exitWithUsage() {
	fmt.Println("<usage>")
	os.Exit(1)
}

func main() {
	var (
		verbose    bool
		configFile string
		batchFile  string
		timeout    time.Duration
		benchP     = benchmark.DefaultParams()
	)

	serverFlags := flag.NewFlagSet("server", flag.ExitOnError)
	submitFlags := flag.NewFlagSet("submit", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	serverFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	serverFlags.StringVar(&configFile, "config", "", "Config file")

	submitFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	submitFlags.StringVar(&configFile, "config", "", "Config file")
	submitFlags.StringVar(&batchFile, "batch", "", "Batch file (JSON)")
	submitFlags.DurationVar(&timeout, "timeout", 10*time.Second, "Wait timeout per job")

	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&configFile, "config", "", "Config file")
	benchmarkFlags.IntVar(&benchP.Clients, "clients", benchP.Clients, "Number of concurrent sessions")
	benchmarkFlags.IntVar(&benchP.JobsPerClient, "jobs", benchP.JobsPerClient, "Jobs per session")
	benchmarkFlags.IntVar(&benchP.TasksPerJob, "tasks", benchP.TasksPerJob, "Tasks per job")
	benchmarkFlags.BoolVar(&benchP.Chain, "chain", benchP.Chain, "Chain jobs of a session through a shared buffer")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case serverFlags.Name():
		err := serverFlags.Parse(os.Args[2:])
		if err != nil || serverFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runServer(configFile)
	case submitFlags.Name():
		err := submitFlags.Parse(os.Args[2:])
		if err != nil || submitFlags.NArg() != 0 {
			exitWithUsage()
		}
		if batchFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runSubmit(configFile, batchFile, timeout)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runBenchmark(configFile, benchP)
	default:
		exitWithUsage()
	}
}
