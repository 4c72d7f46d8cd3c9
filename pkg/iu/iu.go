// Package iu implements the Incremental Unit envelope shared by every
// exchange on the broker: the ADD/REVOKE/COMMIT message model, and the
// small set of pure helpers (compaction, body concatenation, token
// diffing) that every consumer of an incremental stream needs.
package iu

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UpdateKind is the three-valued incremental update type carried by every IU.
type UpdateKind string

const (
	Add    UpdateKind = "ADD"
	Revoke UpdateKind = "REVOKE"
	Commit UpdateKind = "COMMIT"
)

// Exchange names the fixed fan-out channels defined by the system.
type Exchange string

const (
	ExchangeAIn       Exchange = "ain"
	ExchangeASR       Exchange = "asr"
	ExchangeVAP       Exchange = "vap"
	ExchangeScore     Exchange = "score"
	ExchangeBC        Exchange = "bc"
	ExchangeEmoAct    Exchange = "emo_act"
	ExchangeDialogue  Exchange = "dialogue"
	ExchangeDialogue2 Exchange = "dialogue2"
	ExchangeTTS       Exchange = "tts"
)

// DataType discriminates the shape of IU.Body when the exchange alone
// doesn't say (e.g. "audio" payloads on tts, "event" records on vap).
type DataType string

const (
	DataTypeText  DataType = "text"
	DataTypeAudio DataType = "audio"
	DataTypeEvent DataType = "event"
)

// IU is the envelope every inter-module message travels in. Timestamp is
// seconds as a float (matches the wire format in spec §4.1); wall-clock
// ordering per-producer-per-exchange is the caller's responsibility to
// preserve (see monotonic below).
type IU struct {
	Timestamp  float64     `json:"timestamp"`
	ID         string      `json:"id"`
	Producer   string      `json:"producer"`
	UpdateType UpdateKind  `json:"update_type"`
	Exchange   Exchange    `json:"exchange"`
	Body       interface{} `json:"body"`
	DataType   DataType    `json:"data_type,omitempty"`
	Stability  float64     `json:"stability,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

// nowSeconds hands out strictly increasing float64-seconds timestamps so
// that IUs minted back-to-back never tie: when the wall clock reading does
// not exceed the previous value (same reading, or two readings that round
// to the same float64), the next representable value above it is used.
var (
	clockMu   sync.Mutex
	lastClock float64
)

func nowSeconds() float64 {
	clockMu.Lock()
	defer clockMu.Unlock()
	t := float64(time.Now().UnixNano()) / 1e9
	if t <= lastClock {
		t = math.Nextafter(lastClock, math.Inf(1))
	}
	lastClock = t
	return t
}

// New mints a fresh IU: assigns an id and a monotonic timestamp.
func New(producer string, exchange Exchange, kind UpdateKind, body interface{}) *IU {
	return &IU{
		Timestamp:  nowSeconds(),
		ID:         uuid.NewString(),
		Producer:   producer,
		UpdateType: kind,
		Exchange:   exchange,
		Body:       body,
	}
}

// RevokeOf returns a REVOKE twin of add: identical id, exchange and
// producer, fresh timestamp, no body. Per spec invariant (i), only a
// REVOKE of a previously-ADDed id is meaningful; callers must not
// fabricate REVOKEs for ids they never ADDed.
func RevokeOf(add *IU) *IU {
	return &IU{
		Timestamp:  nowSeconds(),
		ID:         add.ID,
		Producer:   add.Producer,
		UpdateType: Revoke,
		Exchange:   add.Exchange,
	}
}

// CommitOf returns a fresh COMMIT IU from producer closing the current
// utterance on exchange, with body as its (possibly nil) body.
func CommitOf(producer string, exchange Exchange, body interface{}) *IU {
	return New(producer, exchange, Commit, body)
}
