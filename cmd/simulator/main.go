package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danmuck/dps_jitter/cmd/internal/logcfg"
	"github.com/danmuck/dps_jitter/src/api/nodes"
	"github.com/danmuck/dps_jitter/src/api/transport"
	"github.com/danmuck/dps_jitter/src/programs"
	"github.com/danmuck/dps_jitter/src/report"
	"github.com/danmuck/dps_jitter/src/topology"
	logs "github.com/danmuck/smplog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logs.Configure(logcfg.LoadFor("simulator"))

	path := flag.String("topology", "topology.toml", "topology file")
	duration := flag.Duration("duration", 0, "stop after this long, 0 runs until interrupted")
	basePort := flag.Int("base-port", 9000, "first loopback port when the file assigns none")
	monitor := flag.String("monitor", "", "HTTP monitor host:port")
	flag.Parse()

	topo, err := topology.Load(*path)
	if err != nil {
		logs.Fatalf(err, "failed to load topology")
	}
	if len(topo.Addresses) == 0 {
		for i, id := range topo.IDs() {
			topo.Addresses[id] = net.JoinHostPort(topology.DefaultHost, strconv.Itoa(*basePort+i))
		}
	}

	var reporter report.Reporter = report.NopReporter{}
	if *monitor != "" {
		reporter = report.NewHTTPReporter(*monitor)
	}
	defer reporter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	registry := programs.Registry()
	var sim []*nodes.DefaultNode
	for _, id := range topo.IDs() {
		nc, _ := topo.Node(id)
		tcfg := transport.DefaultConfig(id)
		tcfg.Address = topo.Addresses[id]
		tcfg.DropRate = topo.Jitter.DropRate
		tcfg.Delay = topo.Jitter.Delay()

		n, err := nodes.NewDefaultNode(nodes.Config{
			ID:        id,
			Program:   nc.Program,
			Peers:     nc.Peers,
			Addresses: topo.Addresses,
			Transport: tcfg,
			Registry:  registry,
			Reporter:  reporter,
		})
		if err != nil {
			logs.Fatalf(err, "failed to create node %s", id)
		}
		// bind every listener before anyone dials
		if err := n.Listen(); err != nil {
			logs.Fatalf(err, "failed to listen for node %s", id)
		}
		sim = append(sim, n)
	}
	logs.Infof("simulating %d nodes from %s (drop=%.2f delay=%s)",
		len(sim), *path, topo.Jitter.DropRate, topo.Jitter.Delay())

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range sim {
		g.Go(func() error { return n.Run(gctx) })
	}
	err = g.Wait()
	for _, n := range sim {
		n.Shutdown()
	}
	summarize(sim, time.Since(start))
	if err != nil {
		logs.Fatalf(err, "simulation failed")
	}
}

func summarize(sim []*nodes.DefaultNode, elapsed time.Duration) {
	logs.Infof("simulation finished after %s", elapsed.Round(time.Millisecond))
	for _, n := range sim {
		stats := n.Handler().Stats()
		state := ""
		if sp, ok := n.Program().(nodes.StatefulProgram); ok {
			state = string(sp.State())
		}
		logs.Infof("%s %s sent=%d dropped=%d/%d delivered=%d storage=%v",
			n.ID(), state, stats.Sent, stats.DroppedOnSend, stats.DroppedOnReceive,
			stats.Delivered, n.Storage().Snapshot())
	}
}
