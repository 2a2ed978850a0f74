/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command axiomd is the daemon hosting the kernel core, the
// verification gateway, a platform adapter, and Init/Supervisor in one
// OS process (spec §4.8). It replays (or, on first boot, creates) the
// commit log, then spawns every configured service in dependency
// order and runs until told to stop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/axiom-os/axiom/internal/commit"
	"github.com/axiom-os/axiom/internal/gateway"
	"github.com/axiom-os/axiom/internal/kernel"
	"github.com/axiom-os/axiom/internal/platform"
	"github.com/axiom-os/axiom/internal/platform/fsadapter"
	"github.com/axiom-os/axiom/internal/platform/memadapter"
	"github.com/axiom-os/axiom/internal/platform/osadapter"
	"github.com/axiom-os/axiom/internal/supervisor"
	"github.com/axiom-os/axiom/internal/supervisor/config"
	"github.com/axiom-os/axiom/pkg/axiomlog"
)

const (
	defConfigLoc string = "/etc/axiom/axiomd.cfg"
	defDataDir   string = "/var/lib/axiomd"
	defInitQuota uint64 = 256 << 20
)

var (
	cfgFlag     = flag.String("config-override", "", "override path to the service launch config")
	dataDirFlag = flag.String("data-dir", "", "override the commit log directory")
	adapterFlag = flag.String("adapter", "os", "platform adapter to host services with: os or mem")
	cfgFile     string
)

func init() {
	flag.Parse()
	cfgFile = defConfigLoc
	if *cfgFlag != "" {
		cfgFile = *cfgFlag
	}
}

func main() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal("failed to load config ", cfgFile, " ", err)
	}

	logFile := cfg.LogFile
	var lg *axiomlog.Logger
	if logFile == "" {
		lg = axiomlog.Stderr("axiomd")
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			log.Fatal("failed to open log file ", logFile, " ", err)
		}
		lg = axiomlog.New(f, "axiomd")
	}
	if cfg.LogLevel != "" {
		if err := lg.SetLevelString(cfg.LogLevel); err != nil {
			log.Fatal("invalid log_level ", cfg.LogLevel, " ", err)
		}
	}

	dataDir := defDataDir
	if *dataDirFlag != "" {
		dataDir = *dataDirFlag
	}

	var adapter platform.Adapter
	switch *adapterFlag {
	case "os":
		adapter = osadapter.New()
	case "mem":
		adapter = memadapter.New()
	default:
		log.Fatal("unknown -adapter ", *adapterFlag, " (want os or mem)")
	}

	store, err := fsadapter.Open(dataDir)
	if err != nil {
		log.Fatal("failed to open commit log at ", dataDir, " ", err)
	}
	defer store.Close()

	clock := kernel.FuncClock(adapter.Now)
	commits := commit.NewLog(0, store)
	if err := commits.LoadFromSink(0); err != nil {
		log.Fatal("commit log failed verification on replay ", err)
	}

	var core *kernel.Core
	if commits.Len() == 0 {
		core = kernel.New(clock)
		genesis := core.Genesis(defInitQuota, []byte("init"))
		if _, err := commits.Append(genesis); err != nil {
			log.Fatal("failed to persist genesis commit ", err)
		}
		lg.Info("genesis: fresh commit log", axiomlog.KV("dir", dataDir))
	} else {
		core, err = kernel.ReplayFrom(clock, commits.Iter(0))
		if err != nil {
			log.Fatal("replay failed ", err)
		}
		lg.Info("replayed commit log", axiomlog.KV("commits", commits.Len()))
	}

	gw := gateway.New(core, commits, clock, lg)

	sup, err := supervisor.New(gw, adapter, lg, cfg)
	if err != nil {
		log.Fatal("failed to construct supervisor ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		lg.Info("received shutdown signal", axiomlog.KV("signal", sig.String()))
		cancel()
	}()

	bootErrc := make(chan error, 1)
	go func() { bootErrc <- sup.Boot(ctx) }()

	select {
	case err := <-bootErrc:
		if err != nil {
			lg.Critical("boot failed", axiomlog.KVErr(err))
			sup.Shutdown()
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	sup.Shutdown()
	lg.Info("shutdown complete")
}
