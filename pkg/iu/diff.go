package iu

import "strings"

// Compact removes, from seq, every ADD whose id is REVOKEd later in seq,
// preserving the order of what remains. This is the "currently valid"
// view of an IU sequence a consumer would reconstruct by replaying it.
func Compact(seq []*IU) []*IU {
	revoked := make(map[string]bool, len(seq))
	for _, u := range seq {
		if u.UpdateType == Revoke {
			revoked[u.ID] = true
		}
	}

	out := make([]*IU, 0, len(seq))
	for _, u := range seq {
		if u.UpdateType == Revoke {
			continue
		}
		if revoked[u.ID] {
			continue
		}
		out = append(out, u)
	}
	return out
}

// ConcatBodies joins the string bodies of every non-REVOKE IU in seq with
// spacer, skipping IUs whose body isn't a string.
func ConcatBodies(seq []*IU, spacer string) string {
	parts := make([]string, 0, len(seq))
	for _, u := range seq {
		if u.UpdateType == Revoke {
			continue
		}
		if s, ok := u.Body.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, spacer)
}

// TokenDiff is the result of diffing two token sequences: the tail of
// prev that no longer matches (to be REVOKEd, in reverse order so the
// most-recently-added token is revoked first) and the tail of new that
// needs to be ADDed.
type TokenDiff struct {
	Revokes []string // tokens from prev to revoke, oldest-token-last
	Adds    []string // tokens from new to add
}

// DiffTokens compares prev against new token-for-token and returns the
// minimal edit at the tail: the common prefix is left alone, the
// diverging suffix of prev is revoked (reverse order — last token first,
// matching how an ASR adapter must REVOKE its own most recent ADDs
// before any earlier ones on the same exchange) and the suffix of new is
// added. Applying Revokes then Adds to prev, in order, yields new
// token-for-token.
func DiffTokens(prev, new []string) TokenDiff {
	commonLen := 0
	for commonLen < len(prev) && commonLen < len(new) && prev[commonLen] == new[commonLen] {
		commonLen++
	}

	var revokes []string
	for i := len(prev) - 1; i >= commonLen; i-- {
		revokes = append(revokes, prev[i])
	}

	adds := append([]string(nil), new[commonLen:]...)

	return TokenDiff{Revokes: revokes, Adds: adds}
}
