package quilt

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"img2brick.ai/internal/persistence/snapshot"
)

var ErrSchedulerClosed = errors.New("persistence scheduler closed")

// Scheduler debounces snapshot writes. Mutators call MarkDirty; the worker
// saves once the grid has been quiet for the debounce window. A failed save
// leaves the state dirty and is retried on the next MarkDirty or Flush.
type Scheduler struct {
	store    *Store
	path     string
	debounce time.Duration
	write    func(path string, st snapshot.StateV1) error
	log      *log.Logger

	dirtyCh chan struct{}
	flushCh chan chan error
	stopCh  chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once
	closeErr  error

	savesOK      atomic.Uint64
	savesFailed  atomic.Uint64
	lastSaveUnix atomic.Int64
}

func newScheduler(s *Store, path string, debounce time.Duration, write func(string, snapshot.StateV1) error, logger *log.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		path:     path,
		debounce: debounce,
		write:    write,
		log:      logger,
		dirtyCh:  make(chan struct{}, 1),
		flushCh:  make(chan chan error, 8),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (p *Scheduler) start() { go p.loop() }

// MarkDirty never blocks; signals within one window coalesce.
func (p *Scheduler) MarkDirty() {
	select {
	case p.dirtyCh <- struct{}{}:
	default:
	}
}

// Flush saves immediately, bypassing the debounce window, and returns the
// write error if any.
func (p *Scheduler) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case p.flushCh <- ack:
	case <-p.doneCh:
		return ErrSchedulerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-p.doneCh:
		select {
		case err := <-ack:
			return err
		default:
			return ErrSchedulerClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker after a final save of any unsaved mutations. A
// non-nil error means those mutations are lost.
func (p *Scheduler) Close() error {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
	})
	return p.closeErr
}

func (p *Scheduler) loop() {
	defer close(p.doneCh)
	var (
		timer *time.Timer
		dirty bool
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	save := func() error {
		err := p.saveNow()
		dirty = err != nil
		return err
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-p.stopCh:
			stopTimer()
			select {
			case <-p.dirtyCh:
				dirty = true
			default:
			}
			if dirty {
				if err := save(); err != nil {
					p.log.Printf("final save failed, latest grid changes are NOT persisted: %v", err)
					p.closeErr = err
				}
			}
			// Unblock flushers that raced with Close.
			for {
				select {
				case ack := <-p.flushCh:
					ack <- ErrSchedulerClosed
				default:
					return
				}
			}
		case <-p.dirtyCh:
			dirty = true
			if timer == nil {
				timer = time.NewTimer(p.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.debounce)
			}
		case ack := <-p.flushCh:
			stopTimer()
			ack <- save()
		case <-timerCh:
			timer = nil
			if err := save(); err != nil {
				p.log.Printf("save failed, will retry on next change: %v", err)
			}
		}
	}
}

// saveNow exports under the store's read lock and writes without holding it.
func (p *Scheduler) saveNow() error {
	st := p.store.Export()
	if err := p.write(p.path, st); err != nil {
		p.savesFailed.Add(1)
		return err
	}
	p.savesOK.Add(1)
	p.lastSaveUnix.Store(time.Now().Unix())
	return nil
}
