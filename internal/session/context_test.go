package session

import "testing"

func TestContextSingleConversation(t *testing.T) {
	c := NewContext("alice")
	if _, ok := c.ActivePeer(); ok {
		t.Fatal("new context should have no active conversation")
	}

	c.Activate("bob")
	c.Activate("carol")
	if !c.IsActive("carol") || c.IsActive("bob") {
		t.Error("activating carol should replace bob")
	}
	if c.IsActive("") {
		t.Error("empty peer must never be active")
	}

	c.Deactivate()
	if peer, ok := c.ActivePeer(); ok {
		t.Errorf("active peer = %q after Deactivate", peer)
	}
}

func TestContextCallSlot(t *testing.T) {
	c := NewContext("alice")
	if !c.ClaimCall() {
		t.Fatal("first ClaimCall() should succeed")
	}
	if c.ClaimCall() {
		t.Error("second ClaimCall() should fail while busy")
	}
	c.ReleaseCall()
	if c.CallBusy() {
		t.Error("slot still busy after ReleaseCall")
	}
}
