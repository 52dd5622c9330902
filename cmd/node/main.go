package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/dps_jitter/cmd/internal/logcfg"
	"github.com/danmuck/dps_jitter/src/api/nodes"
	"github.com/danmuck/dps_jitter/src/config"
	"github.com/danmuck/dps_jitter/src/programs"
	"github.com/danmuck/dps_jitter/src/report"
	logs "github.com/danmuck/smplog"
)

func main() {
	logs.Configure(logcfg.LoadFor("node"))

	registry := programs.Registry()
	cfg, err := config.Load(os.Args[1:], os.Getenv, registry.Has)
	if err != nil {
		logs.Fatalf(err, "invalid node configuration (programs: %v)", registry.Names())
	}

	reporter := newReporter(cfg)
	node, err := nodes.NewDefaultNode(nodes.Config{
		ID:        cfg.NodeID,
		Program:   cfg.ProgramName,
		Peers:     cfg.Peers,
		Addresses: cfg.Addresses,
		Transport: cfg.Transport(),
		Registry:  registry,
		Reporter:  reporter,
	})
	if err != nil {
		closeReporter(cfg.NodeID, reporter)
		logs.Fatalf(err, "failed to create node %s", cfg.NodeID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logs.Infof("%s: starting %s (drop=%.2f delay=%s listen=%s)",
		cfg.NodeID, cfg.ProgramName, cfg.DropRate, cfg.Delay(), cfg.ListenAddr)
	err = runNode(ctx, node, reporter)
	stop()
	if err != nil {
		// logs.Fatalf exits without running defers
		logs.Fatalf(err, "node %s stopped", cfg.NodeID)
	}
	logs.Infof("%s: stopped, storage: %v", cfg.NodeID, node.Storage().Snapshot())
}

// runNode runs the node to completion and flushes the reporter whatever
// the outcome.
func runNode(ctx context.Context, node *nodes.DefaultNode, reporter report.Reporter) error {
	err := node.Run(ctx)
	closeReporter(node.ID(), reporter)
	return err
}

func closeReporter(id string, reporter report.Reporter) {
	if err := reporter.Close(); err != nil {
		logs.Warnf("%s: closing reporter: %v", id, err)
	}
}

// newReporter wires every configured monitor. Reporting is best-effort, so
// a broker that cannot be reached is logged and skipped.
func newReporter(cfg config.NodeConfig) report.Reporter {
	var rs report.MultiReporter
	if cfg.MonitorEndpoint != "" {
		r := report.NewHTTPReporter(cfg.MonitorEndpoint)
		logs.Infof("%s: reporting to %s", cfg.NodeID, r.URL())
		rs = append(rs, r)
	}
	if cfg.MonitorMQTT != "" {
		r, err := report.NewMQTTReporter(cfg.MonitorMQTT, "dps-"+cfg.NodeID, report.DefaultTopic)
		if err != nil {
			logs.Warnf("%s: mqtt reporting disabled: %v", cfg.NodeID, err)
		} else {
			rs = append(rs, r)
		}
	}
	if len(rs) == 0 {
		return report.NopReporter{}
	}
	return rs
}
