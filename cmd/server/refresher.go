package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// roomRefresher re-emits the monitor list to every connected room. The
// probing engine normally pushes changes through Hub.NotifyUser; the periodic
// refresh covers writes made by other processes.
type roomRefresher interface {
	RefreshAll(ctx context.Context) error
}

type refreshTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) refreshTicker

func startRefreshWorker(ctx context.Context, logger *slog.Logger, rooms roomRefresher, interval time.Duration) func() {
	return startRefreshWorkerWithTicker(ctx, logger, rooms, interval, func(d time.Duration) refreshTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startRefreshWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	rooms roomRefresher,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if rooms == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := rooms.RefreshAll(workerCtx); err != nil && logger != nil {
					logger.Error("failed to refresh monitor lists", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
