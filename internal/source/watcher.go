package source

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a drop directory and triggers the handler once per
// batch date after the debounce window closes. Writers that stream a
// large file emit many events; the debounce collapses them into one
// trigger after the last write.
type Watcher struct {
	dir      string
	debounce time.Duration
	handler  func(date string)

	watcher *fsnotify.Watcher
	changes chan string
	done    chan struct{}

	stopOnce sync.Once
}

// NewWatcher creates a watcher over the drop directory. The handler is
// called from a single goroutine with the batch date of each settled
// drop file.
func NewWatcher(dir string, debounce time.Duration, handler func(date string)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		dir:      dir,
		debounce: debounce,
		handler:  handler,
		watcher:  fw,
		changes:  make(chan string, 100),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Both goroutines exit when Stop is called or
// the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	slog.Info("watching drop directory",
		"dir", w.dir,
		"debounce", w.debounce,
	)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

// processEvents filters raw events down to batch dates. Files moved
// into the directory arrive as Create; streamed writes arrive as Write.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			date, ok := BatchDate(event.Name)
			if !ok {
				continue
			}

			select {
			case w.changes <- date:
			default:
				// Buffer full, the debouncer will still see the date
				// from an earlier event in this burst
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("drop directory watcher error",
				"dir", w.dir,
				"error", err,
			)
		}
	}
}

// debounceLoop batches dates and calls the handler after the window
// expires without new events.
func (w *Watcher) debounceLoop(ctx context.Context) {
	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) > 0 {
			dates := make([]string, 0, len(pending))
			for date := range pending {
				dates = append(dates, date)
			}
			sort.Strings(dates)

			for _, date := range dates {
				slog.Info("batch drop detected",
					"dir", w.dir,
					"date", date,
				)
				w.handler(date)
			}
			pending = make(map[string]struct{})
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case date := <-w.changes:
			pending[date] = struct{}{}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			flush()
		}
	}
}
