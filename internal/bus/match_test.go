package bus

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/wire"
)

func TestParseMatchRule(t *testing.T) {
	rule, err := ParseMatchRule("type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='com.x'")
	if err != nil {
		t.Fatalf("ParseMatchRule: %v", err)
	}
	if rule.Type != dbus.TypeSignal {
		t.Errorf("type = %v, want signal", rule.Type)
	}
	if rule.Interface != "org.freedesktop.DBus" || rule.Member != "NameOwnerChanged" {
		t.Errorf("interface/member wrong: %+v", rule)
	}
	if rule.Args[0] != "com.x" {
		t.Errorf("arg0 = %q, want com.x", rule.Args[0])
	}
}

func TestParseMatchRuleEmpty(t *testing.T) {
	rule, err := ParseMatchRule("")
	if err != nil {
		t.Fatalf("empty rule must parse as wildcard: %v", err)
	}
	meta := &wire.Metadata{Type: dbus.TypeSignal, Interface: "a.b", Member: "M"}
	if !rule.Matches(meta) {
		t.Error("wildcard rule should match anything without a destination")
	}
}

func TestParseMatchRuleInvalid(t *testing.T) {
	invalid := []string{
		"type='bogus'",
		"nonsense='x'",
		"member='has.dot'",
		"missing-equals",
		"sender='not a name'",
		"eavesdrop='maybe'",
		"arg64='out-of-range'",
		"type='signal",
		"path='relative/path'",
		"path='/a',path_namespace='/b'",
		"arg0='x',arg0namespace='a.b'",
	}
	for _, s := range invalid {
		if _, err := ParseMatchRule(s); !errors.Is(err, ErrMatchInvalid) {
			t.Errorf("ParseMatchRule(%q) = %v, want ErrMatchInvalid", s, err)
		}
	}
}

func TestParseMatchRuleQuoting(t *testing.T) {
	rule, err := ParseMatchRule("arg0='quoted,value',member='M'")
	if err != nil {
		t.Fatalf("ParseMatchRule: %v", err)
	}
	if rule.Args[0] != "quoted,value" {
		t.Errorf("arg0 = %q, want comma preserved inside quotes", rule.Args[0])
	}
}

func TestMatchEvaluation(t *testing.T) {
	meta := &wire.Metadata{
		Type:      dbus.TypeSignal,
		Sender:    ":1.7",
		Interface: "com.x.If",
		Member:    "Changed",
		Path:      "/com/x/obj/sub",
		Args:      []string{"com.x.Token", "/com/x/item/1"},
	}

	matching := []string{
		"",
		"type='signal'",
		"interface='com.x.If',member='Changed'",
		"sender=':1.7'",
		"path='/com/x/obj/sub'",
		"path_namespace='/com/x/obj'",
		"arg0='com.x.Token'",
		"arg0namespace='com.x'",
		"arg1path='/com/x/item/'",
	}
	for _, s := range matching {
		rule, err := ParseMatchRule(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if !rule.Matches(meta) {
			t.Errorf("rule %q should match", s)
		}
	}

	rejecting := []string{
		"type='method_call'",
		"interface='other.If'",
		"member='Other'",
		"sender=':1.8'",
		"path='/com/x/obj'",
		"path_namespace='/com/y'",
		"arg0='other'",
		"arg0namespace='com.y'",
		"arg2='missing'",
	}
	for _, s := range rejecting {
		rule, err := ParseMatchRule(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if rule.Matches(meta) {
			t.Errorf("rule %q should not match", s)
		}
	}
}

func TestMatchDirectedTrafficNeedsEavesdrop(t *testing.T) {
	meta := &wire.Metadata{
		Type:        dbus.TypeMethodCall,
		Destination: ":1.2",
		Member:      "M",
		Path:        "/",
	}
	plain, _ := ParseMatchRule("type='method_call'")
	if plain.Matches(meta) {
		t.Error("directed traffic must be invisible without eavesdrop")
	}
	eavesdrop, _ := ParseMatchRule("type='method_call',eavesdrop='true'")
	if !eavesdrop.Matches(meta) {
		t.Error("eavesdrop rule should see directed traffic")
	}
}

func TestAddRemoveMatchRoundTrip(t *testing.T) {
	b := newTestBus()
	p := addTestPeer(t, b)

	rule := "type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged'"
	if err := b.AddMatch(p, rule); err != nil {
		t.Fatalf("AddMatch: %v", err)
	}
	if b.wildcardMatches.Empty() {
		t.Fatal("rule should land in the wildcard index")
	}
	if err := b.RemoveMatch(p, rule); err != nil {
		t.Fatalf("RemoveMatch: %v", err)
	}
	if !b.wildcardMatches.Empty() {
		t.Error("index should be empty after removal")
	}
	if len(p.ownedMatches) != 0 {
		t.Error("peer should own no rules after removal")
	}
}

func TestRemoveMatchNotFound(t *testing.T) {
	b := newTestBus()
	p := addTestPeer(t, b)

	if err := b.RemoveMatch(p, "member='Never'"); err != ErrMatchNotFound {
		t.Errorf("RemoveMatch = %v, want ErrMatchNotFound", err)
	}
}

func TestMatchQuota(t *testing.T) {
	b := newTestBus()
	quota := DefaultQuota
	quota.Matches = 2
	b.SetQuota(quota)
	p := addTestPeer(t, b)

	if err := b.AddMatch(p, "member='A'"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddMatch(p, "member='B'"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddMatch(p, "member='C'"); err != ErrQuota {
		t.Errorf("AddMatch over quota = %v, want ErrQuota", err)
	}
}

func TestOwnerChangedNameIndexing(t *testing.T) {
	b := newTestBus()
	p := addTestPeer(t, b)

	rule := "type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='com.pinned'"
	if err := b.AddMatch(p, rule); err != nil {
		t.Fatalf("AddMatch: %v", err)
	}

	n := b.Names.Find("com.pinned")
	if n == nil || n.OwnerChangedMatches.Empty() {
		t.Fatal("arg0-pinned NameOwnerChanged rule should index per-name")
	}

	if err := b.RemoveMatch(p, rule); err != nil {
		t.Fatalf("RemoveMatch: %v", err)
	}
	if b.Names.Find("com.pinned") != nil {
		t.Error("name entry kept alive only by the rule should be retired")
	}
}

func TestBroadcastDestinationsByWellKnownSender(t *testing.T) {
	b := newTestBus()
	owner := addTestPeer(t, b)
	subscriber := addTestPeer(t, b)

	b.Names.Request(owner, "com.x", 0)
	if err := b.AddMatch(subscriber, "sender='com.x'"); err != nil {
		t.Fatalf("AddMatch: %v", err)
	}

	meta := &wire.Metadata{
		Type:      dbus.TypeSignal,
		Sender:    owner.UniqueName(),
		Interface: "com.x.If",
		Member:    "Sig",
		Path:      "/",
	}
	dst := b.BroadcastDestinations(owner, meta)
	if len(dst) != 1 || dst[0] != subscriber {
		t.Errorf("destinations = %v, want [subscriber]", dst)
	}

	// A different peer broadcasting does not hit the com.x rule.
	other := addTestPeer(t, b)
	meta.Sender = other.UniqueName()
	if dst := b.BroadcastDestinations(other, meta); len(dst) != 0 {
		t.Errorf("destinations for non-owner = %v, want none", dst)
	}
}
