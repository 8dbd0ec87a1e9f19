package fpga

import (
	"errors"
	"testing"
	"time"
)

func TestPendingTable(t *testing.T) {
	tbl := NewPendingTable()
	now := time.Unix(0, 0)
	a := Key{Address: 0x21, RequestNumber: 1}
	b := Key{Address: 0x30, RequestNumber: 1}

	if err := tbl.Register(a, now.Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Register(a, now.Add(time.Second)); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("duplicate Register err = %v", err)
	}
	if err := tbl.Register(b, now.Add(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tbl.Len())
	}

	expired := tbl.Expire(now.Add(10 * time.Millisecond))
	if len(expired) != 1 || expired[0] != a {
		t.Errorf("Expire = %v, want [%v]", expired, a)
	}
	if tbl.Pending(a) || !tbl.Pending(b) {
		t.Error("only b should remain pending")
	}

	if tbl.Resolve(a) {
		t.Error("resolving an expired key should fail")
	}
	if !tbl.Resolve(b) {
		t.Error("resolving an outstanding key should succeed")
	}
	if tbl.Resolve(b) {
		t.Error("an answer can only be consumed once")
	}
	if tbl.Stale() != 2 || tbl.Expired() != 1 {
		t.Errorf("Stale = %d, Expired = %d", tbl.Stale(), tbl.Expired())
	}

	// a key may be reused once its earlier request is no longer outstanding
	if err := tbl.Register(a, now.Add(time.Second)); err != nil {
		t.Errorf("re-register after expiry: %v", err)
	}
	tbl.Cancel(a)
	if tbl.Len() != 0 {
		t.Errorf("Len after Cancel = %d", tbl.Len())
	}
}
