package room

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type delivery struct {
	conn Conn
	ev   Event
}

// batch is everything one handler produced: sends followed by side effects
// (disconnects, owner callbacks), run in that order.
type batch struct {
	sends []delivery
	after []func()
}

func (b *batch) empty() bool { return len(b.sends) == 0 && len(b.after) == 0 }

// outbox queues batches in the order handlers released the room lock. The
// goroutine that finds it idle drains the queue; any handler that runs
// meanwhile, including one called from inside a Send, only enqueues.
type outbox struct {
	mu       sync.Mutex
	queue    []batch
	draining bool
}

// push enqueues b and reports whether the caller must drain.
func (o *outbox) push(b batch) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, b)
	if o.draining {
		return false
	}
	o.draining = true
	return true
}

func (o *outbox) next() (batch, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		o.draining = false
		return batch{}, false
	}
	b := o.queue[0]
	o.queue[0] = batch{}
	o.queue = o.queue[1:]
	return b, true
}

func (o *outbox) drain(logger *zap.Logger, roomID string) {
	for {
		b, ok := o.next()
		if !ok {
			return
		}
		b.run(logger, roomID)
	}
}

func (b *batch) run(logger *zap.Logger, roomID string) {
	for _, d := range b.sends {
		if err := safeSend(d); err != nil {
			logger.Debug("room_send_error",
				zap.String("room", roomID),
				zap.String("event", string(d.ev.Name)),
				zap.Error(err),
			)
		}
	}
	for _, fn := range b.after {
		if err := safeCall(fn); err != nil {
			logger.Error("room_hook_panic", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// 패닉은 드레인 루프 밖으로 나가지 않는다
func safeSend(d delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panic: %v", rec)
		}
	}()
	return d.conn.Send(d.ev)
}

func safeCall(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook panic: %v", rec)
		}
	}()
	fn()
	return nil
}
