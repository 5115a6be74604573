// v3
// cmd/engine/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb3 "github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/joho/godotenv"

	"aquagrid/engine/internal/config"
	"aquagrid/engine/internal/engine"
	"aquagrid/engine/internal/gateway"
	"aquagrid/engine/internal/httpapi"
	"aquagrid/engine/internal/ledger"
	"aquagrid/engine/internal/logging"
	"aquagrid/engine/internal/monitor"
	"aquagrid/engine/internal/queue"
	"aquagrid/engine/internal/waterlevel"
)

func main() {
	_ = godotenv.Load()

	lg, lf := logging.InitLogger()
	defer func(lf *os.File) {
		if err := lf.Close(); err != nil {
			lg.Error("log file close", "error", err)
		}
	}(lf)
	lg.Info("irrigation engine v3 starting")

	cfg, err := config.LoadEnvAndFiles()
	if err != nil {
		lg.Error("config", "error", err)
		os.Exit(1)
	}
	lg.Info("config loaded", "segments", cfg.Segments, "brokers", cfg.KafkaBrokers)

	led, err := ledger.Open(cfg.LedgerDBPath, lg)
	if err != nil {
		lg.Error("ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := led.Close(); err != nil {
			lg.Error("ledger close", "error", err)
		}
	}()

	q := queue.New(lg)
	wl := waterlevel.NewStore(lg)
	if cfg.InfluxURL != "" {
		client, err := influxdb3.New(influxdb3.ClientConfig{
			Host:     cfg.InfluxURL,
			Token:    cfg.InfluxToken,
			Database: cfg.InfluxDB,
		})
		if err != nil {
			lg.Error("influx client", "error", err)
			os.Exit(1)
		}
		arch := waterlevel.NewInfluxArchiver(client, lg, 10*time.Second, 200)
		defer arch.Close()
		wl.SetArchiver(arch)
		lg.Info("influx archiver wired", "host", cfg.InfluxURL, "database", cfg.InfluxDB)
	}
	mon := monitor.New(lg, q, wl)

	io, err := gateway.NewKafkaIO(cfg, lg)
	if err != nil {
		lg.Error("kafka", "error", err)
		os.Exit(1)
	}
	defer io.Close()

	eng := engine.NewEngine(cfg, lg, io, q, wl, mon, led)
	if err := eng.RecoverUnfinished(context.Background()); err != nil {
		lg.Error("ledger recovery", "error", err)
		os.Exit(1)
	}

	srv := httpapi.NewServer(cfg, lg, eng, led, wl)
	go func() {
		if err := srv.Start(); err != nil {
			lg.Error("http", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
	sh, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = srv.Stop(sh)
	lg.Info("irrigation engine stopped")
}
