package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/dps_jitter/cmd/internal/logcfg"
	"github.com/danmuck/dps_jitter/src/report"
	logs "github.com/danmuck/smplog"
)

func main() {
	logs.Configure(logcfg.LoadFor("monitor"))

	addr := flag.String("addr", ":8080", "HTTP listen address")
	broker := flag.String("mqtt", "", "MQTT broker URL to relay events from")
	topic := flag.String("topic", report.DefaultTopic, "MQTT topic")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := report.NewMonitor()
	if *broker != "" {
		if err := monitor.SubscribeMQTT(*broker, *topic); err != nil {
			logs.Fatalf(err, "failed to subscribe to %s", *broker)
		}
	}
	go monitor.Run(ctx)

	srv := &http.Server{Addr: *addr, Handler: monitor.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logs.Infof("Monitor listening on %s (POST /message, GET /ws)", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logs.Fatal(err, "server exited")
	}
}
