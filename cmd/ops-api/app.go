package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	ordersapi "github.com/BearBump/OpsBox/internal/api/orders_api"
	"github.com/BearBump/OpsBox/internal/broker/messages"
	"github.com/BearBump/OpsBox/internal/poller"
	"github.com/go-chi/chi/v5"
)

type opsAPIOpts struct {
	httpAddr string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runOpsAPI(ctx context.Context, opts opsAPIOpts, svc ordersapi.OrdersService, consumer kafkaConsumer, rec *poller.Reconciler) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	ordersapi.New(svc).Routes(r)

	if rec != nil {
		mountReconciler(r, rec)
		go func() {
			if err := rec.Run(ctx); err != nil && err != context.Canceled {
				slog.Error("reconciler stopped", "error", err.Error())
			}
		}()
	}

	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		_ = consumer.Consume(ctx, func(_key, value []byte) error {
			var m messages.RecordSynced
			if err := json.Unmarshal(value, &m); err != nil {
				return err
			}
			// Воркер пересинхронизировал запись аккаунта: наши тиры для него
			// устарели.
			svc.Invalidate(ctx, []string{m.AccountID})
			return nil
		})
	}()

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	err = srv.Serve(lis)
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return err
}

// mountReconciler exposes the background poll loop to the dashboard frontend:
// уведомления о новых данных и флаг "пользователь сейчас взаимодействует".
func mountReconciler(r chi.Router, rec *poller.Reconciler) {
	r.Get("/v1/notices", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		select {
		case n := <-rec.Notices():
			_ = json.NewEncoder(w).Encode(n)
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	})

	r.Post("/v1/interacting", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Interacting bool `json:"interacting"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid json body"}`))
			return
		}
		rec.SetInteracting(body.Interacting)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	r.Get("/v1/reconciler/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec.Stats())
	})
}
