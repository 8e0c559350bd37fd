// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package view

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/master"
)

// DefaultScanRate is used for jobs added without a scan rate.
const DefaultScanRate = time.Second

// Reconnector restores the link of a master.
type Reconnector interface {
	IsConnected() bool
	ReConnect(ctx context.Context) error
}

// Result is the running state of one polled table.
type Result struct {
	Title    string
	Kind     Kind
	Address  uint16
	Quantity uint16
	ScanRate time.Duration
	TxCnt    uint64
	ErrCnt   uint64
	Code     master.ErrorCode
}

type job struct {
	table    Table
	scanRate time.Duration
	txCnt    uint64
	errCnt   uint64
}

// Poller updates tables periodically.
type Poller struct {
	link Reconnector
	// OnResult, when set, is called after every update.
	OnResult func(r Result, err error)

	mu   sync.Mutex
	jobs []*job
	// reconnecting serializes reconnect attempts of all jobs.
	reconnecting sync.Mutex
}

// NewPoller creates a poller. link may be nil when the tables should never
// trigger a reconnect.
func NewPoller(link Reconnector) *Poller {
	return &Poller{link: link}
}

// Add schedules t every scanRate.
func (p *Poller) Add(t Table, scanRate time.Duration) {
	if scanRate <= 0 {
		scanRate = DefaultScanRate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, &job{table: t, scanRate: scanRate})
}

// Results returns the counters of all jobs.
func (p *Poller) Results() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.result())
	}
	return out
}

func (j *job) result() Result {
	return Result{
		Title:    j.table.Title(),
		Kind:     j.table.Kind(),
		Address:  j.table.BaseAddr(),
		Quantity: j.table.NumItems(),
		ScanRate: j.scanRate,
		TxCnt:    j.txCnt,
		ErrCnt:   j.errCnt,
		Code:     j.table.LastError(),
	}
}

// Run updates every table once, then at its scan rate until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	jobs := append([]*job(nil), p.jobs...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			p.loop(ctx, j)
		}(j)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Poller) loop(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.scanRate)
	defer ticker.Stop()

	for {
		p.poll(ctx, j)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one update of j.
func (p *Poller) poll(ctx context.Context, j *job) {
	if p.link != nil && !p.link.IsConnected() {
		p.reconnect(ctx)
	}

	err := j.table.Update()

	p.mu.Lock()
	j.txCnt++
	if err != nil {
		j.errCnt++
	}
	r := j.result()
	p.mu.Unlock()

	if err != nil {
		slog.Debug("Table update failed", "table", r.Title, "err", err)
	}
	if p.OnResult != nil {
		p.OnResult(r, err)
	}
}

func (p *Poller) reconnect(ctx context.Context) {
	p.reconnecting.Lock()
	defer p.reconnecting.Unlock()
	// Another job may have restored the link meanwhile.
	if p.link.IsConnected() {
		return
	}
	if err := p.link.ReConnect(ctx); err != nil {
		slog.Warn("Reconnect failed", "err", err)
	}
}
