package bus

import "testing"

func TestReplySlotLifecycle(t *testing.T) {
	b := newTestBus()
	waiter := addTestPeer(t, b)
	responder := addTestPeer(t, b)

	slot, err := b.RegisterReply(waiter, responder, 42)
	if err != nil {
		t.Fatalf("RegisterReply: %v", err)
	}
	if slot.Waiter() != waiter || slot.Responder() != responder {
		t.Error("slot sides wrong")
	}

	// At most one slot per (responder, waiter, serial).
	if _, err := b.RegisterReply(waiter, responder, 42); err != ErrReplyExists {
		t.Errorf("duplicate slot: err = %v, want ErrReplyExists", err)
	}

	got, err := b.ConsumeReply(responder, waiter, 42)
	if err != nil || got != slot {
		t.Fatalf("ConsumeReply = %v, %v", got, err)
	}

	// Consumed means gone.
	if _, err := b.ConsumeReply(responder, waiter, 42); err != ErrUnexpectedReply {
		t.Errorf("second consume: err = %v, want ErrUnexpectedReply", err)
	}
}

func TestReplySlotDistinctSerials(t *testing.T) {
	b := newTestBus()
	waiter := addTestPeer(t, b)
	responder := addTestPeer(t, b)

	if _, err := b.RegisterReply(waiter, responder, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.RegisterReply(waiter, responder, 2); err != nil {
		t.Fatal(err)
	}

	if len(waiter.AwaitedReplies()) != 2 {
		t.Errorf("waiter should await 2 replies")
	}
	if len(responder.ExpectedReplies()) != 2 {
		t.Errorf("responder should owe 2 replies")
	}
}

func TestReplySlotQuota(t *testing.T) {
	b := newTestBus()
	quota := DefaultQuota
	quota.Replies = 1
	b.SetQuota(quota)
	waiter := addTestPeer(t, b)
	responder := addTestPeer(t, b)

	if _, err := b.RegisterReply(waiter, responder, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.RegisterReply(waiter, responder, 2); err != ErrQuota {
		t.Errorf("over-quota slot: err = %v, want ErrQuota", err)
	}
}

func TestReplySlotFreeUnlinksBothSides(t *testing.T) {
	b := newTestBus()
	waiter := addTestPeer(t, b)
	responder := addTestPeer(t, b)

	slot, _ := b.RegisterReply(waiter, responder, 7)
	slot.Free()

	if len(waiter.AwaitedReplies()) != 0 || len(responder.ExpectedReplies()) != 0 {
		t.Error("Free should unlink the slot from both sides")
	}
}

func TestExpectedRepliesDeterministicOrder(t *testing.T) {
	b := newTestBus()
	responder := addTestPeer(t, b)
	w1 := addTestPeer(t, b)
	w2 := addTestPeer(t, b)

	b.RegisterReply(w2, responder, 9)
	b.RegisterReply(w1, responder, 5)
	b.RegisterReply(w1, responder, 3)

	slots := responder.ExpectedReplies()
	if len(slots) != 3 {
		t.Fatalf("got %d slots", len(slots))
	}
	if slots[0].Waiter() != w1 || slots[0].Serial != 3 ||
		slots[1].Waiter() != w1 || slots[1].Serial != 5 ||
		slots[2].Waiter() != w2 {
		t.Error("slots not ordered by waiter id then serial")
	}
}
