package bus

import "testing"

func TestUniqueNameRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 42, 18446744073709551615} {
		name := UniqueName(id)
		got, ok := ParseUniqueName(name)
		if !ok || got != id {
			t.Errorf("round trip of %d via %q failed: %d, %v", id, name, got, ok)
		}
	}
}

func TestParseUniqueNameRejects(t *testing.T) {
	for _, s := range []string{"", ":1.", ":2.5", "com.x", ":1.x", "1.5"} {
		if _, ok := ParseUniqueName(s); ok {
			t.Errorf("ParseUniqueName(%q) accepted", s)
		}
	}
}

func TestPeerIDsMonotonic(t *testing.T) {
	b := New()
	p1 := b.AddPeer(NewQueueConn(0), &AllowAll{}, 0, 0, "")
	p2 := b.AddPeer(NewQueueConn(0), &AllowAll{}, 0, 0, "")
	b.RemovePeer(p1)
	p3 := b.AddPeer(NewQueueConn(0), &AllowAll{}, 0, 0, "")

	if !(p1.ID < p2.ID && p2.ID < p3.ID) {
		t.Errorf("ids not monotonic: %d %d %d", p1.ID, p2.ID, p3.ID)
	}
	if p1.UniqueName() != ":1.1" {
		t.Errorf("first peer = %q, want :1.1", p1.UniqueName())
	}
}
