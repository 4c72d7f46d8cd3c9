package broker

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/ioerrors"
	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/logging"
)

// Remote is a Broker Client backed by a persistent JSON-over-WebSocket
// connection to an out-of-process broker daemon. Its connect/reconnect
// shape is the teacher's pkg/providers/tts/lokutor.go getConn generalized
// from a single TTS socket into a general-purpose reconnecting publisher,
// plus the bounded-backoff reconnect loop and publish grace period spec
// §4.1 requires (the teacher reconnects lazily on next use; this dials a
// standing background loop so Subscribe can receive without a publish
// having to happen first).
type Remote struct {
	url        string
	minBackoff time.Duration
	maxBackoff time.Duration
	grace      time.Duration
	logger     logging.Logger

	local *Local // demuxes inbound frames to local subscribers

	mu      sync.Mutex // guards conn, readyCh, writeMu serializes writes per spec §5
	conn    *websocket.Conn
	readyCh chan struct{}
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRemote starts a Remote broker client and its background connect
// loop. It does not block for the first connection — Publish/Subscribe
// are safe to call immediately; Publish honors the grace period if the
// initial dial hasn't completed yet.
func NewRemote(parent context.Context, cfg config.BrokerConfig, logger logging.Logger) *Remote {
	if logger == nil {
		logger = logging.NoOp{}
	}
	min, max := cfg.ReconnectBounds()
	ctx, cancel := context.WithCancel(parent)

	r := &Remote{
		url:        cfg.Host,
		minBackoff: min,
		maxBackoff: max,
		grace:      cfg.PublishGrace(),
		logger:     logger,
		local:      NewLocal(cfg.SubscriberBufSize, logger),
		readyCh:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	r.wg.Add(1)
	go r.connectLoop()
	return r
}

func (r *Remote) connectLoop() {
	defer r.wg.Done()
	backoff := r.minBackoff

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(r.ctx, r.url, nil)
		if err != nil {
			classified := ioerrors.Classify("broker.dial", err)
			r.logger.Warn("broker: dial failed, retrying", "url", r.url, "backoff", backoff, "kind", classified.Kind.String(), "error", err)
			select {
			case <-time.After(backoff):
			case <-r.ctx.Done():
				return
			}
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
			continue
		}

		r.mu.Lock()
		r.conn = conn
		close(r.readyCh)
		r.mu.Unlock()
		backoff = r.minBackoff
		r.logger.Info("broker: connected", "url", r.url)

		r.readLoop(conn) // blocks until the connection drops

		r.mu.Lock()
		r.conn = nil
		r.readyCh = make(chan struct{})
		r.mu.Unlock()
		r.logger.Warn("broker: connection lost, reconnecting", "url", r.url)
	}
}

func (r *Remote) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(r.ctx)
		if err != nil {
			return
		}
		msg, err := decode(data)
		if err != nil {
			r.logger.Warn("broker: dropping malformed frame", "error", err)
			continue
		}
		_ = r.local.Publish(r.ctx, msg.Exchange, msg)
	}
}

// Publish encodes msg and writes it on the connection. If currently
// disconnected, it waits up to the configured grace period for a
// reconnect; past that it drops the message with a structured warning
// rather than blocking the caller indefinitely (spec §4.1).
func (r *Remote) Publish(ctx context.Context, exchange iu.Exchange, msg *iu.IU) error {
	msg.Exchange = exchange

	r.mu.Lock()
	conn := r.conn
	ready := r.readyCh
	r.mu.Unlock()

	if conn == nil {
		select {
		case <-ready:
			r.mu.Lock()
			conn = r.conn
			r.mu.Unlock()
		case <-time.After(r.grace):
			r.logger.Warn("broker: publish grace period exceeded, dropping IU", "exchange", exchange, "id", msg.ID)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
	if conn == nil {
		return nil
	}

	payload, err := encode(msg)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (r *Remote) Subscribe(exchange iu.Exchange, handler Handler) func() {
	return r.local.Subscribe(exchange, handler)
}

func (r *Remote) Close() error {
	r.cancel()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	r.wg.Wait()
	return r.local.Close()
}
