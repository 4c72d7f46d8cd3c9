package iu

import (
	"reflect"
	"testing"
)

func TestCompactDropsRevokedAdds(t *testing.T) {
	a := New("p", ExchangeASR, Add, "hi")
	b := New("p", ExchangeASR, Add, "there")
	revB := RevokeOf(b)

	got := Compact([]*IU{a, b, revB})
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("expected only %q to survive, got %+v", a.ID, got)
	}
}

func TestCompactIsIdempotentWithAppendedRevoke(t *testing.T) {
	a := New("p", ExchangeASR, Add, "hi")
	b := New("p", ExchangeASR, Add, "there")
	seq := []*IU{a, b}

	withoutB := Compact(seq[:1])
	appendRevokeB := Compact(append(append([]*IU{}, seq...), RevokeOf(b)))

	if !reflect.DeepEqual(idsOf(withoutB), idsOf(appendRevokeB)) {
		t.Fatalf("compact(seq++[REVOKE(b)]) should equal compact(seq) minus b's ADD")
	}
}

func idsOf(seq []*IU) []string {
	out := make([]string, len(seq))
	for i, u := range seq {
		out[i] = u.ID
	}
	return out
}

func TestDiffTokensNoChange(t *testing.T) {
	prev := []string{"hi", "there"}
	d := DiffTokens(prev, prev)
	if len(d.Revokes) != 0 || len(d.Adds) != 0 {
		t.Fatalf("expected no diff for identical sequences, got %+v", d)
	}
}

func TestDiffTokensAppliesToYieldNew(t *testing.T) {
	prev := []string{"hi", "ther"}
	newTokens := []string{"hi", "there", "friend"}

	d := DiffTokens(prev, newTokens)

	// Apply: drop the revoked tail (in reverse-add order) then append adds.
	cur := append([]string{}, prev...)
	for range d.Revokes {
		cur = cur[:len(cur)-1]
	}
	cur = append(cur, d.Adds...)

	if !reflect.DeepEqual(cur, newTokens) {
		t.Fatalf("applying diff to prev should yield new, got %v want %v", cur, newTokens)
	}
}

func TestDiffTokensRevokesInReverseOrder(t *testing.T) {
	prev := []string{"a", "b", "c"}
	newTokens := []string{"a", "x"}

	d := DiffTokens(prev, newTokens)
	want := []string{"c", "b"}
	if !reflect.DeepEqual(d.Revokes, want) {
		t.Fatalf("expected revokes in reverse order %v, got %v", want, d.Revokes)
	}
}
