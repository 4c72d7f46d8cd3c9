// Package broker implements the publish/subscribe fan-out bus every
// module talks through (spec §4.1): exclusive per-subscriber queues,
// independent publish/consume paths so a slow subscriber cannot stall a
// publisher, and — for the networked implementation — reconnect with
// bounded backoff plus a publish grace period.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remdisgo/dialogue/pkg/iu"
)

// Handler receives IUs delivered on a subscription. It must return
// quickly; slow handlers should hand off to their own goroutine.
type Handler func(*iu.IU)

// Client is the contract every module depends on: publish an IU onto an
// exchange, subscribe a handler to an exchange, and a way to tear down
// the connection. Two implementations satisfy it: Local (in-process,
// zero network, used by default and by every test) and *Remote (a
// websocket connection to an out-of-process broker daemon).
type Client interface {
	Publish(ctx context.Context, exchange iu.Exchange, msg *iu.IU) error
	Subscribe(exchange iu.Exchange, handler Handler) (unsubscribe func())
	Close() error
}

// wireEnvelope is the deterministic-field-name JSON encoding of an IU
// described in spec §4.1. Field order doesn't matter for JSON but naming
// does — decoders on the other end (e.g. the browser UI) depend on it.
type wireEnvelope struct {
	Timestamp  float64     `json:"timestamp"`
	ID         string      `json:"id"`
	Producer   string      `json:"producer"`
	UpdateType string      `json:"update_type"`
	Exchange   string      `json:"exchange"`
	Body       interface{} `json:"body"`
	DataType   string      `json:"data_type,omitempty"`
	Stability  float64     `json:"stability,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

func encode(u *iu.IU) ([]byte, error) {
	env := wireEnvelope{
		Timestamp:  u.Timestamp,
		ID:         u.ID,
		Producer:   u.Producer,
		UpdateType: string(u.UpdateType),
		Exchange:   string(u.Exchange),
		Body:       u.Body,
		DataType:   string(u.DataType),
		Stability:  u.Stability,
		Confidence: u.Confidence,
	}
	return json.Marshal(env)
}

// decode tolerates unknown fields (spec §4.1) because json.Unmarshal
// already ignores fields absent from wireEnvelope; no extra work needed.
func decode(data []byte) (*iu.IU, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("broker: decoding envelope: %w", err)
	}
	return &iu.IU{
		Timestamp:  env.Timestamp,
		ID:         env.ID,
		Producer:   env.Producer,
		UpdateType: iu.UpdateKind(env.UpdateType),
		Exchange:   iu.Exchange(env.Exchange),
		Body:       env.Body,
		DataType:   iu.DataType(env.DataType),
		Stability:  env.Stability,
		Confidence: env.Confidence,
	}, nil
}
