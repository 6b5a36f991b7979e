package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/OpsBox/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	f := defaultWorkerFactories()

	w, closeFn, err := buildSyncWorker(cfg, f)
	if err != nil {
		panic(err)
	}
	if closeFn != nil {
		defer closeFn()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.OpsBox.WorkerHTTPAddr,
			worker:   w,
			cfg:      cfg,
			onListen: func(addr string) {
				slog.Info("worker HTTP listening", "addr", addr)
			},
		})
		if err != nil && err != context.Canceled {
			slog.Error("worker HTTP server", "error", err.Error())
		}
	}()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		panic(err)
	}
}
