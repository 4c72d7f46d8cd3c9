// Package respgen generates a response to a user (or self-initiated)
// turn as a lazy, cancellable sequence of fragments (spec.md §4.7): one
// fragment per split-pattern phrase, plus a final expression/action
// fragment parsed from an embedded `<expr_id>_<action_id>` marker. The
// underlying LLM call is the teacher's blocking LLMProvider.Complete
// (pkg/orchestrator/types.go, pkg/providers/llm/*) — there is no
// token-streaming API in this lineage, so "lazy" governs how the Dialogue
// Manager consumes and cancels fragments, not how they're produced over
// the wire.
package respgen

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/remdisgo/dialogue/pkg/orchestrator"
)

// Fragment is one unit of a response: either a phrase to speak, or (at
// the end of the sequence) the turn's expression/action reaction.
type Fragment struct {
	Phrase     string
	Expression string
	Action     string
	End        bool
}

var markerPattern = regexp.MustCompile(`<([A-Za-z0-9]+)_([A-Za-z0-9]+)>`)

// Sequence is a cancellable, already-materialized fragment list. Next is
// safe to call from one consumer goroutine; Close is safe to call
// concurrently to cut the sequence short.
type Sequence struct {
	mu        sync.Mutex
	fragments []Fragment
	i         int
	closed    bool
}

// Generate invokes llm with systemPrompt + history + userText and parses
// the reply into a Sequence. splitPattern is the configured phrase
// delimiter regexp (spec.md §6 LLM.split_pattern).
func Generate(ctx context.Context, llm orchestrator.LLMProvider, systemPrompt string, history []orchestrator.Message, userText, splitPattern string) (*Sequence, error) {
	if llm == nil {
		return nil, orchestrator.ErrNilProvider
	}
	messages := make([]orchestrator.Message, 0, len(history)+2)
	messages = append(messages, orchestrator.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, orchestrator.Message{Role: "user", Content: userText})

	text, err := llm.Complete(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("respgen: llm completion: %w", err)
	}
	return &Sequence{fragments: parse(text, splitPattern)}, nil
}

func parse(text, splitPattern string) []Fragment {
	var exprID, actionID string
	clean := markerPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := markerPattern.FindStringSubmatch(m)
		exprID, actionID = sub[1], sub[2]
		return ""
	})

	pattern := splitPattern
	if pattern == "" {
		pattern = `[.!?]+`
	}
	splitRe, err := regexp.Compile(pattern)
	var parts []string
	if err != nil {
		parts = []string{clean}
	} else {
		parts = splitRe.Split(clean, -1)
	}

	frags := make([]Fragment, 0, len(parts)+1)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		frags = append(frags, Fragment{Phrase: p})
	}

	expression, action := resolveMarker(exprID, actionID)
	frags = append(frags, Fragment{Expression: expression, Action: action, End: true})
	return frags
}

// Next returns the next fragment. ok is false once the sequence is
// exhausted or Close has been called; err is non-nil only if ctx was
// already cancelled when Next was called.
func (s *Sequence) Next(ctx context.Context) (Fragment, bool, error) {
	if err := ctx.Err(); err != nil {
		return Fragment{}, false, orchestrator.ErrContextCancelled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.i >= len(s.fragments) {
		return Fragment{}, false, nil
	}
	f := s.fragments[s.i]
	s.i++
	return f, true, nil
}

// Close stops the sequence early; in-flight fragments not yet returned
// by Next are discarded.
func (s *Sequence) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
