package wal

import (
	"sync"
	"time"

	"github.com/tinypg/tinypg/log"
)

// Writer flushes the log in the background so records of transactions that do
// not wait for durability (aborts, replayed data) reach the disk in bounded time.
type Writer struct {
	m        *Manager
	interval time.Duration
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

func NewWriter(m *Manager, interval time.Duration) *Writer {
	return &Writer{m: m, interval: interval, closeCh: make(chan struct{})}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.closeCh:
				return
			case <-ticker.C:
				if w.m.Failed() {
					continue
				}
				if err := w.m.FlushAll(); err != nil {
					log.Errorf("wal writer flush: %v", err)
				}
			}
		}
	}()
}

func (w *Writer) Stop() {
	close(w.closeCh)
	w.wg.Wait()
}
