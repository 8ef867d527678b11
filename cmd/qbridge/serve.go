package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/payload"
	"github.com/progrium/qbridge/router"
	"github.com/progrium/qbridge/transport"
)

func serveCmd() *command {
	var (
		conn        connFlags
		metricsAddr string
	)
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	conn.register(fs, "stdio")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	return &command{
		Name:  "serve",
		Usage: "serve [--transport T] [--addr ADDR]",
		Short: "serve the built in payloads to each connecting peer",
		Flags: fs,
		Run: func(ctx context.Context, args []string) error {
			c, log, err := conn.setup()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			if metricsAddr != "" {
				go serveMetrics(log, metricsAddr, reg)
			}

			cfg := router.Config{
				Codec:      c,
				Logger:     log,
				Registerer: reg,
			}
			rule := channel.NewRoutingRule(payload.Types()...)

			if conn.transport == "stdio" {
				t, err := transport.DialStdio()
				if err != nil {
					return err
				}
				return serveConn(ctx, t, cfg, rule)
			}

			l, err := transport.Listen(conn.transport, conn.addr)
			if err != nil {
				return err
			}
			log.Info("listening", "transport", conn.transport, "addr", conn.addr)
			go func() {
				<-ctx.Done()
				l.Close()
			}()
			for {
				t, err := l.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				go func() {
					if err := serveConn(ctx, t, cfg, rule); err != nil {
						log.Error(err, "session failed")
					}
				}()
			}
		},
	}
}

func serveConn(ctx context.Context, t io.ReadWriteCloser, cfg router.Config, rule router.Rule) error {
	r := router.New(t, cfg)
	r.AddRule(rule)
	r.Logger().V(1).Info("session started")
	return r.Serve(ctx)
}

func serveMetrics(log logr.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	err := http.ListenAndServe(addr, mux)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "metrics server stopped")
	}
}
