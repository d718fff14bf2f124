package settlement

import (
	"context"
	"sync"
	"time"
)

const (
	defaultQueueSize = 256
	defaultWorkers   = 4
)

// settleTimeout bounds one background settlement attempt end to end.
const settleTimeout = 30 * time.Second

// Dispatcher decouples webhook acknowledgement from settlement. Events are
// enqueued without blocking; worker goroutines drain the queue and run the
// engine. A full queue drops the event, which is safe because the provider
// redelivers unacknowledged payments.
type Dispatcher struct {
	settler Settler
	queue   chan PaymentEvent
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher starts workers draining a queue of the given size. Zero
// values select defaults. metrics may be nil.
func NewDispatcher(settler Settler, workers, queueSize int, metrics *Metrics) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		settler: settler,
		queue:   make(chan PaymentEvent, queueSize),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	logger.Infof("settlement dispatcher started: %d workers, queue size %d", workers, queueSize)
	return d
}

// Enqueue hands a payment event to the workers. It never blocks: when the
// queue is full the event is dropped and false returned. Non-payment
// events are discarded immediately.
func (d *Dispatcher) Enqueue(ev PaymentEvent) bool {
	if ev.Kind != EventKindPayment {
		return false
	}
	select {
	case d.queue <- ev:
		d.metrics.observeEnqueue()
		return true
	default:
		d.metrics.observeDrop()
		logger.Warnf("settlement queue full, dropping payment %s", ev.PaymentID)
		return false
	}
}

// Close stops the workers and waits for in-flight settlements to finish.
// Queued but unstarted events are abandoned; redelivery covers them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
	logger.Infof("settlement dispatcher stopped (%d events left in queue)", len(d.queue))
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.queue:
			d.metrics.observeDequeue()
			// Deliberately not derived from d.ctx: Close waits for
			// in-flight settlements instead of cancelling them
			// mid-write.
			ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			if _, err := d.settler.Settle(ctx, ev.PaymentID); err != nil {
				logger.Debugf("settlement of payment %s errored: %s", ev.PaymentID, err)
			}
			cancel()
		}
	}
}
