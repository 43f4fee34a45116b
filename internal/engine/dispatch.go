package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/casework/pkg/schema"
)

type notification struct {
	businessKey string
	task        *schema.Task
	ended       bool
}

// dispatcher delivers notifications in order on one goroutine. The queue is
// unbounded so engine calls made while a listener is blocked never stall.
type dispatcher struct {
	mu       sync.Mutex
	idle     *sync.Cond
	queue    []notification
	pending  int
	listener Listener
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	d.idle = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) setListener(l Listener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

func (d *dispatcher) post(n notification) {
	d.mu.Lock()
	if d.listener == nil {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, n)
	d.pending++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			n := d.queue[0]
			d.queue = d.queue[1:]
			l := d.listener
			d.mu.Unlock()

			deliver(l, n)

			d.mu.Lock()
			d.pending--
			if d.pending == 0 {
				d.idle.Broadcast()
			}
			d.mu.Unlock()
		}
	}
}

func deliver(l Listener, n notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine listener panicked", slog.String("business_key", n.businessKey), slog.Any("panic", r))
		}
	}()
	ctx := context.Background()
	if n.ended {
		l.ExecutionEnded(ctx, n.businessKey)
		return
	}
	l.TaskChanged(ctx, n.businessKey, *n.task)
}

func (d *dispatcher) wait() {
	d.mu.Lock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}
