// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command mbmaster talks to a Modbus slave. It runs the operations given on
// the command line, or polls the tables of its configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/logging"
	"github.com/ffutop/modbus-master/internal/metrics"
	"github.com/ffutop/modbus-master/internal/view"
	"github.com/ffutop/modbus-master/master"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/rtu"
	"github.com/ffutop/modbus-master/transport/tcp"
	"github.com/ffutop/modbus-master/transport/udp"
)

func main() {
	fs := config.NewFlagSet("mbmaster")
	reads := fs.StringArrayP("read", "r", nil, "Read kind:address[:count], kind is holding, input, coils or discrete.")
	writeRegs := fs.StringArrayP("write-register", "w", nil, "Write address=value[,value...] to holding registers.")
	writeCoils := fs.StringArray("write-coil", nil, "Write address=on|off to a coil.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(fs)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	defer logging.Setup(cfg.Log).Close()

	ops, err := parseOps(*reads, *writeRegs, *writeCoils)
	if err != nil {
		slog.Error("Invalid operation", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, ops, os.Stdout); err != nil {
		slog.Error("mbmaster failed", "err", err)
		os.Exit(1)
	}
}

func parseOps(reads, writeRegs, writeCoils []string) ([]op, error) {
	var ops []op
	for _, s := range writeRegs {
		o, err := parseWriteRegister(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	for _, s := range writeCoils {
		o, err := parseWriteCoil(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	for _, s := range reads {
		o, err := parseRead(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

// newTransport builds the link named by cfg.
func newTransport(cfg config.LinkConfig) (transport.Transport, error) {
	switch cfg.Type {
	case "tcp":
		return tcp.New(cfg.Tcp), nil
	case "udp":
		return udp.New(cfg.Tcp), nil
	case "serial", "rtu":
		return rtu.New(cfg.Serial), nil
	default:
		return nil, fmt.Errorf("unknown link type '%s'", cfg.Type)
	}
}

// newMaster builds the master of cfg on t.
func newMaster(cfg *config.Config, t transport.Transport, observer master.Observer) (*master.Master, error) {
	dt, err := modbus.ParseDeviceType(cfg.Link.Device)
	if err != nil {
		return nil, err
	}
	return master.New(t,
		master.WithDeviceType(dt),
		master.WithSlaveID(byte(cfg.Master.SlaveID)),
		master.WithTimeout(cfg.Master.Timeout),
		master.WithReconnect(cfg.Master.ReconnectAttempts, cfg.Master.ReconnectBackoff),
		master.WithObserver(observer),
	)
}

func run(ctx context.Context, cfg *config.Config, ops []op, out io.Writer) error {
	t, err := newTransport(cfg.Link)
	if err != nil {
		return err
	}

	var met *metrics.Metrics
	var observer master.Observer
	if cfg.Metrics.Address != "" {
		if met, err = metrics.New(nil); err != nil {
			return err
		}
		observer = met.Observe
		go serveMetrics(ctx, cfg.Metrics.Address)
	}

	m, err := newMaster(cfg, t, observer)
	if err != nil {
		return err
	}
	defer m.Disconnect()

	slog.Info("Connecting", "link", cfg.Link.Type, "device", m.DeviceType(), "slave", m.SlaveID())
	if err := m.Connect(ctx); err != nil {
		if len(ops) > 0 {
			return err
		}
		// The poller retries.
		slog.Warn("Connect failed", "err", err)
	}

	if len(ops) > 0 {
		for _, o := range ops {
			if err := o.run(m, out); err != nil {
				return err
			}
		}
		return nil
	}
	return poll(ctx, cfg.Tables, m, met, out)
}

// poll updates the configured tables until ctx is done.
func poll(ctx context.Context, tables []config.TableConfig, m *master.Master, met *metrics.Metrics, out io.Writer) error {
	if len(tables) == 0 {
		return errors.New("nothing to do: no operation given and no tables configured")
	}

	p := view.NewPoller(m)
	for _, tc := range tables {
		kind, err := view.ParseKind(tc.Kind)
		if err != nil {
			return err
		}
		tbl, err := view.New(kind, tc.Title, uint16(tc.Address), uint16(tc.Count), tc.Columns, m)
		if err != nil {
			return err
		}
		p.Add(tbl, tc.ScanRate)
		watch(tbl, tc.Columns, out)
	}
	p.OnResult = func(r view.Result, err error) {
		if met != nil {
			met.ObservePoll(r, err)
		}
		if err != nil {
			slog.Warn("Update failed", "table", r.Title, "tx", r.TxCnt, "errors", r.ErrCnt, "err", err)
		}
	}

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	for _, r := range p.Results() {
		slog.Info("Table summary", "table", r.Title, "tx", r.TxCnt, "errors", r.ErrCnt)
	}
	return nil
}

// printMu keeps the tables of concurrent updates apart.
var printMu sync.Mutex

// watch prints every update of tbl.
func watch(tbl view.Table, columns int, out io.Writer) {
	switch t := tbl.(type) {
	case *view.HoldingRegisters:
		t.OnUpdate(func(first, count int, data []uint16) { printLocked(out, t.Title(), t.BaseAddr(), columns, data) })
	case *view.InputRegisters:
		t.OnUpdate(func(first, count int, data []uint16) { printLocked(out, t.Title(), t.BaseAddr(), columns, data) })
	case *view.Coils:
		t.OnUpdate(func(first, count int, data []bool) { printLocked(out, t.Title(), t.BaseAddr(), columns, data) })
	case *view.DiscreteInputs:
		t.OnUpdate(func(first, count int, data []bool) { printLocked(out, t.Title(), t.BaseAddr(), columns, data) })
	}
}

func printLocked[T uint16 | bool](w io.Writer, title string, base uint16, columns int, data []T) {
	printMu.Lock()
	defer printMu.Unlock()
	printRows(w, title, base, columns, data)
}

func serveMetrics(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	slog.Info("Serving metrics", "addr", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server stopped", "err", err)
	}
}
