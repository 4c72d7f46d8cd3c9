package iu

import "testing"

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	a := New("asr-adapter", ExchangeASR, Add, "hi")
	b := New("asr-adapter", ExchangeASR, Add, "there")

	if a.ID == "" || b.ID == "" {
		t.Fatal("expected non-empty ids")
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct ids for distinct IUs")
	}
	if b.Timestamp < a.Timestamp {
		t.Fatalf("expected non-decreasing timestamps, got %v then %v", a.Timestamp, b.Timestamp)
	}
}

func TestRevokeOfPreservesID(t *testing.T) {
	add := New("asr-adapter", ExchangeASR, Add, "hi")
	rev := RevokeOf(add)

	if rev.ID != add.ID {
		t.Fatalf("revoke id %q != add id %q", rev.ID, add.ID)
	}
	if rev.UpdateType != Revoke {
		t.Fatalf("expected REVOKE, got %v", rev.UpdateType)
	}
	if rev.Exchange != add.Exchange || rev.Producer != add.Producer {
		t.Fatal("revoke twin must share exchange and producer")
	}
}
