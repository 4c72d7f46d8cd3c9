package broker

import (
	"context"
	"sync"

	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/logging"
)

// subscriber owns an exclusive, non-durable queue (buffered channel) and
// its own dispatch goroutine, so a slow handler only ever backs up its
// own queue — never another subscriber's, and never the publisher.
type subscriber struct {
	ch      chan *iu.IU
	done    chan struct{}
	handler Handler
}

// Local is an in-process fan-out bus: every Publish on an exchange is
// delivered to every current Subscribe on that exchange. This is the
// default Client used by cmd/agent when all modules run in a single Go
// process, and the one every test in this repo exercises.
type Local struct {
	mu      sync.Mutex // guards subs and serializes Publish, per spec §5
	subs    map[iu.Exchange][]*subscriber
	bufSize int
	logger  logging.Logger
	closed  bool
}

// NewLocal creates a Local bus. bufSize bounds each subscriber's private
// queue; a full queue causes Publish to that subscriber to drop the
// message rather than block (spec §5 backpressure rule).
func NewLocal(bufSize int, logger logging.Logger) *Local {
	if bufSize <= 0 {
		bufSize = 256
	}
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Local{
		subs:    make(map[iu.Exchange][]*subscriber),
		bufSize: bufSize,
		logger:  logger,
	}
}

func (l *Local) Publish(ctx context.Context, exchange iu.Exchange, msg *iu.IU) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	for _, s := range l.subs[exchange] {
		select {
		case s.ch <- msg:
		default:
			l.logger.Warn("broker: subscriber queue full, dropping IU", "exchange", exchange, "id", msg.ID)
		}
	}
	return nil
}

func (l *Local) Subscribe(exchange iu.Exchange, handler Handler) func() {
	s := &subscriber{
		ch:      make(chan *iu.IU, l.bufSize),
		done:    make(chan struct{}),
		handler: handler,
	}

	l.mu.Lock()
	l.subs[exchange] = append(l.subs[exchange], s)
	l.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-s.ch:
				s.handler(msg)
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		close(s.done)
		l.mu.Lock()
		defer l.mu.Unlock()
		peers := l.subs[exchange]
		for i, p := range peers {
			if p == s {
				l.subs[exchange] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, subs := range l.subs {
		for _, s := range subs {
			close(s.done)
		}
	}
	l.subs = nil
	return nil
}
