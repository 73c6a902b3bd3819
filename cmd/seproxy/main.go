// go-seproxy
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-seproxy.
//
// go-seproxy is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-seproxy is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-seproxy; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Command seproxy watches one reader, prints every card event and reads
// the NDEF message of type 4 tags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/config"
	"github.com/ZaparooProject/go-seproxy/type4"
)

var version = "dev"

type flags struct {
	configPath  *string
	backend     *string
	port        *string
	metricsAddr *string
	duration    *time.Duration
	debug       *bool
	once        *bool
}

func parseFlags() *flags {
	f := &flags{
		configPath: flag.String("config", "", "YAML configuration file"),
		backend: flag.String("backend", "",
			"Reader back-end: stub, pcsc, pn532-uart, pn532-i2c or libnfc (overrides the config file)"),
		port: flag.String("port", "",
			"Serial port, I2C bus, PC/SC reader name or libnfc connection string. Leave empty for auto-detection."),
		metricsAddr: flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)"),
		duration:    flag.Duration("duration", 0, "Stop after this long (default: run until interrupted)"),
		debug:       flag.Bool("debug", false, "Enable debug output"),
		once:        flag.Bool("once", false, "Stop detection after the first card"),
	}
	flag.Parse()
	return f
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return nil, err
	}
	if *f.backend != "" {
		cfg.Backend.Type = *f.backend
	}
	if *f.port != "" {
		cfg.Backend.Port = *f.port
	}
	if *f.metricsAddr != "" {
		cfg.MetricsAddr = *f.metricsAddr
	}
	if *f.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	f := parseFlags()
	cfg, err := loadConfig(f)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	seproxy.SetDebugEnabled(cfg.Debug)

	if seproxy.InitCrashReporting(cfg.Sentry.DSN, version, cfg.Sentry.Environment) {
		defer seproxy.FlushCrashReports(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *f.duration)
		defer cancel()
	}

	if err := run(ctx, cfg, *f.once); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool) error {
	transport, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}

	opts, err := cfg.ReaderOptions(transport)
	if err != nil {
		_ = transport.Close()
		return err
	}
	opts = append(opts, seproxy.WithLogger(seproxy.Logger()))

	var server *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics, err := seproxy.NewPrometheusMetrics(reg)
		if err != nil {
			_ = transport.Close()
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, seproxy.WithMetrics(metrics.ForReader(cfg.Reader.Name)))
		server = serveMetrics(cfg.MetricsAddr, reg)
		defer shutdownMetrics(server)
	}

	reader, err := seproxy.New(transport, opts...)
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("failed to create reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	_, _ = fmt.Printf("Reader %s (%s, contactless: %t)\n", reader.Name(), transport.Type(), reader.IsContactless())

	mode := seproxy.Repeating
	if once {
		mode = seproxy.SingleShot
	}
	done := make(chan struct{})
	watch(ctx, reader, mode, done)

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			_, _ = fmt.Println("Session completed")
		}
	case <-done:
	}
	return nil
}

// watch starts detection with the NDEF default selection and installs the
// printing observer. done is closed after the first card in single-shot
// mode.
func watch(ctx context.Context, reader *seproxy.Reader, mode seproxy.PollingMode, done chan struct{}) {
	reader.StartDetection(mode)
	reader.SetDefaultSelectionRequest(&seproxy.DefaultSelection{
		Requests: []*seproxy.Request{{Selector: type4.Selector()}},
		Mode:     seproxy.FirstMatch,
		Control:  seproxy.KeepOpen,
	}, seproxy.NotifyAlways)

	var finished bool
	reader.AddObserver(seproxy.NewObserverFunc(func(ev seproxy.ReaderEvent) {
		printEvent(ev)
		switch ev.Type {
		case seproxy.EventSeMatched:
			readTag(ctx, reader)
		case seproxy.EventSeInserted:
			reader.FinalizeCardProcessing()
		default:
		}
		if mode == seproxy.SingleShot && !finished && ev.Type != seproxy.EventSeRemoved {
			finished = true
			close(done)
		}
	}))
	_, _ = fmt.Println("Waiting for cards...")
}

func readTag(ctx context.Context, reader *seproxy.Reader) {
	msg, err := type4.ReadNDEF(ctx, reader, seproxy.CloseAfter)
	if err != nil {
		_, _ = fmt.Printf("  NDEF: %v\n", err)
		reader.FinalizeCardProcessing()
		return
	}
	printMessage(msg)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			seproxy.Logger().Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	_, _ = fmt.Printf("Serving metrics on %s/metrics\n", addr)
	return server
}

func shutdownMetrics(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
