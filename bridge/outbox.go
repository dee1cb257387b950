package bridge

import (
	"context"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/ble2mqtt/internal/groutine"
)

type opKind int

const (
	opPublish opKind = iota
	opSubscribe
	opUnsubscribe
)

func (k opKind) String() string {
	switch k {
	case opPublish:
		return "publish"
	case opSubscribe:
		return "subscribe"
	default:
		return "unsubscribe"
	}
}

type op struct {
	kind    opKind
	topic   string
	payload []byte
	handler func(topic string, payload []byte)
}

// OutboxMetrics counts what happened to queued broker operations.
type OutboxMetrics struct {
	Delivered   int64
	Failed      int64
	Overwritten int64
}

// outbox moves broker operations off the event loop. Operations run in
// enqueue order on one goroutine. When the ring is full the oldest pending
// operation is overwritten.
type outbox struct {
	pub    Publisher
	buf    mpmc.RichOverlappedRingBuffer[op]
	wake   chan struct{}
	logger *logrus.Logger

	cancel context.CancelFunc
	done   <-chan struct{}
	closed atomic.Bool

	delivered   atomic.Int64
	failed      atomic.Int64
	overwritten atomic.Int64
}

func newOutbox(pub Publisher, size uint32, logger *logrus.Logger) *outbox {
	return &outbox{
		pub:    pub,
		buf:    mpmc.NewOverlappedRingBuffer[op](size),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

func (o *outbox) start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = groutine.GoRecover(ctx, "mqtt-outbox", o.logger, o.run)
}

func (o *outbox) publish(topic string, payload []byte) {
	o.push(op{kind: opPublish, topic: topic, payload: payload})
}

func (o *outbox) subscribe(topic string, handler func(string, []byte)) {
	o.push(op{kind: opSubscribe, topic: topic, handler: handler})
}

func (o *outbox) unsubscribe(topic string) {
	o.push(op{kind: opUnsubscribe, topic: topic})
}

func (o *outbox) push(item op) {
	if o.closed.Load() {
		o.logger.WithFields(logrus.Fields{"op": item.kind, "topic": item.topic}).Debug("Outbox closed, dropping")
		return
	}

	overwrites, err := o.buf.EnqueueM(item)
	if err != nil {
		o.failed.Add(1)
		o.logger.WithError(err).WithField("topic", item.topic).Warn("Failed to queue broker operation")
		return
	}
	if overwrites > 0 {
		o.overwritten.Add(int64(overwrites))
		o.logger.WithField("overwritten", overwrites).Warn("Outbox full, oldest operations dropped")
	}

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run(ctx context.Context) {
	for {
		o.drain()
		select {
		case <-ctx.Done():
			o.drain()
			return
		case <-o.wake:
		}
	}
}

func (o *outbox) drain() {
	for !o.buf.IsEmpty() {
		item, err := o.buf.Dequeue()
		if err != nil {
			return
		}
		o.deliver(item)
	}
}

func (o *outbox) deliver(item op) {
	var err error
	switch item.kind {
	case opPublish:
		err = o.pub.Publish(item.topic, item.payload)
	case opSubscribe:
		err = o.pub.Subscribe(item.topic, item.handler)
	case opUnsubscribe:
		err = o.pub.Unsubscribe(item.topic)
	}

	if err != nil {
		o.failed.Add(1)
		o.logger.WithError(err).WithFields(logrus.Fields{
			"op":    item.kind,
			"topic": item.topic,
		}).Warn("Broker operation failed")
		return
	}
	o.delivered.Add(1)
}

// close flushes what is queued and stops the goroutine. Later pushes are dropped.
func (o *outbox) close() {
	if o.closed.Swap(true) {
		return
	}
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
}

func (o *outbox) metrics() OutboxMetrics {
	return OutboxMetrics{
		Delivered:   o.delivered.Load(),
		Failed:      o.failed.Load(),
		Overwritten: o.overwritten.Load(),
	}
}
