package ticker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdClose
)

type command struct {
	kind     commandKind
	interval time.Duration
	ack      chan struct{}
}

// Worker is a Ticker whose schedule runs on its own goroutine, so a busy
// owner never delays when ticks are taken from the clock.
type Worker struct {
	clock   clockwork.Clock
	cmds    chan command
	out     chan time.Time
	done    chan struct{}
	release func()

	closeOnce sync.Once
}

func newWorker(clock clockwork.Clock, release func()) *Worker {
	w := &Worker{
		clock:   clock,
		cmds:    make(chan command),
		out:     make(chan time.Time, 1),
		done:    make(chan struct{}),
		release: release,
	}
	go w.run()
	return w
}

// Start begins emitting every interval, replacing any running schedule. The
// first tick is emitted immediately.
func (w *Worker) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	w.send(command{kind: cmdStart, interval: interval})
}

// Stop halts emission and discards a tick already waiting on C.
func (w *Worker) Stop() {
	w.send(command{kind: cmdStop})
	drain(w.out)
}

// C returns the tick channel.
func (w *Worker) C() <-chan time.Time {
	return w.out
}

// Close stops the worker goroutine and waits for it to exit.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.send(command{kind: cmdClose})
		<-w.done
		drain(w.out)
		if w.release != nil {
			w.release()
		}
	})
}

// send delivers a command and waits until the worker has applied it.
func (w *Worker) send(cmd command) {
	cmd.ack = make(chan struct{})
	select {
	case w.cmds <- cmd:
	case <-w.done:
		return
	}
	select {
	case <-cmd.ack:
	case <-w.done:
	}
}

func (w *Worker) run() {
	defer close(w.done)

	var (
		t     clockwork.Ticker
		tickC <-chan time.Time
	)
	stop := func() {
		if t != nil {
			t.Stop()
			drain(tickC)
			t, tickC = nil, nil
		}
	}
	defer stop()

	for {
		select {
		case cmd := <-w.cmds:
			stop()
			switch cmd.kind {
			case cmdStart:
				t = w.clock.NewTicker(cmd.interval)
				tickC = t.Chan()
				w.emit()
				log.Debug().Dur("interval", cmd.interval).Msg("ticker worker started")
			case cmdStop:
				log.Debug().Msg("ticker worker stopped")
			case cmdClose:
				close(cmd.ack)
				return
			}
			close(cmd.ack)
		case <-tickC:
			w.emit()
		}
	}
}

// emit sends the clock reading at emission time. A tick is dropped when the
// previous one has not been read yet; the owner reads the clock itself.
func (w *Worker) emit() {
	select {
	case w.out <- w.clock.Now():
	default:
	}
}
