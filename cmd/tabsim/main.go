package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
)

func main() {
	p := program.NewProgram("tabsim",
		"simulate browser tabs sharing a telemetry pipeline")

	p.AddOption("c", "cfg", "path", "", "the configuration file")

	p.AddOption("e", "endpoint", "uri", "", "the collector endpoint")
	p.AddOption("k", "write-key", "key", "", "the write key")
	p.AddOption("s", "store", "path", "",
		"the database file shared by tabs")

	p.AddOption("n", "tabs", "count", "", "the number of tabs")
	p.AddOption("d", "duration", "duration", "", "the duration of the run")
	p.AddOption("r", "rate", "rate", "",
		"the number of events per second emitted by each tab")
	p.AddOption("", "tab-lifetime", "duration", "",
		"the maximum lifetime of a tab before it is replaced")
	p.AddOption("", "offline-interval", "duration", "",
		"the period at which the network goes offline")

	p.AddFlag("", "gzip", "compress request bodies")

	p.SetMain(cmdMain)

	p.ParseCommandLine()
	p.Run()
}

func cmdMain(p *program.Program) {
	cfg := DefaultCfg()

	if p.IsOptionSet("cfg") {
		if err := cfg.LoadFile(p.OptionValue("cfg")); err != nil {
			p.Fatal("cannot load configuration: %v", err)
		}
	}

	if err := cfg.ApplyOptions(p); err != nil {
		p.Fatal("%v", err)
	}

	if err := cfg.Check(); err != nil {
		p.Fatal("invalid configuration: %v", err)
	}

	logger := log.DefaultLogger("tabsim")

	sim, err := NewSimulation(cfg, logger)
	if err != nil {
		p.Fatal("cannot create simulation: %v", err)
	}
	defer sim.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := sim.Run(ctx); err != nil {
		p.Fatal("simulation failed: %v", err)
	}

	if err := sim.Report(context.Background()); err != nil {
		p.Fatal("cannot report results: %v", err)
	}
}
