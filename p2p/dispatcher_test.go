package p2p

import (
	"testing"
)

func TestDispatcher_MessageSubscribersByCapability(t *testing.T) {
	d := NewConnectionEventDispatcher(nil)
	capA := Capability{"aaa", 1}
	capB := Capability{"bbb", 1}

	var gotA, gotB []uint64
	d.SubscribeMessage(capA, func(_ *PeerConnection, _ Capability, msg Message) {
		gotA = append(gotA, msg.Code)
	})
	d.SubscribeMessage(capB, func(_ *PeerConnection, _ Capability, msg Message) {
		gotB = append(gotB, msg.Code)
	})

	d.DispatchMessage(nil, capA, Message{Code: 1})
	d.DispatchMessage(nil, capA, Message{Code: 2})
	d.DispatchMessage(nil, capB, Message{Code: 3})

	if len(gotA) != 2 || gotA[0] != 1 || gotA[1] != 2 {
		t.Fatalf("capA messages = %v", gotA)
	}
	if len(gotB) != 1 || gotB[0] != 3 {
		t.Fatalf("capB messages = %v", gotB)
	}
}

func TestDispatcher_RegistrationOrder(t *testing.T) {
	d := NewConnectionEventDispatcher(nil)
	cap := Capability{"aaa", 1}

	var order []int
	for i := 0; i < 4; i++ {
		n := i
		d.SubscribeMessage(cap, func(_ *PeerConnection, _ Capability, _ Message) {
			order = append(order, n)
		})
	}
	d.DispatchMessage(nil, cap, Message{})

	for i, n := range order {
		if n != i {
			t.Fatalf("callbacks ran out of order: %v", order)
		}
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 callbacks, got %d", len(order))
	}
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	d := NewConnectionEventDispatcher(nil)
	cap := Capability{"aaa", 1}

	var reached bool
	d.SubscribeMessage(cap, func(_ *PeerConnection, _ Capability, _ Message) {
		panic("subscriber bug")
	})
	d.SubscribeMessage(cap, func(_ *PeerConnection, _ Capability, _ Message) {
		reached = true
	})

	d.DispatchMessage(nil, cap, Message{})
	if !reached {
		t.Fatal("panicking subscriber blocked the next one")
	}
}

func TestDispatcher_ConnectAndDisconnectFanOut(t *testing.T) {
	d := NewConnectionEventDispatcher(nil)

	var connects int
	type disc struct {
		reason        DisconnectReason
		peerInitiated bool
	}
	var disconnects []disc

	d.SubscribeConnect(func(_ *PeerConnection) { connects++ })
	d.SubscribeConnect(func(_ *PeerConnection) { connects++ })
	d.SubscribeDisconnect(func(_ *PeerConnection, reason DisconnectReason, peerInitiated bool) {
		disconnects = append(disconnects, disc{reason, peerInitiated})
	})

	d.DispatchConnect(nil)
	d.DispatchDisconnect(nil, DiscTooManyPeers, true)

	if connects != 2 {
		t.Fatalf("connects = %d, want 2", connects)
	}
	if len(disconnects) != 1 || disconnects[0].reason != DiscTooManyPeers || !disconnects[0].peerInitiated {
		t.Fatalf("disconnects = %+v", disconnects)
	}
}

func TestDispatcher_HasMessageSubscribers(t *testing.T) {
	d := NewConnectionEventDispatcher(nil)
	cap := Capability{"aaa", 1}

	if d.HasMessageSubscribers(cap) {
		t.Fatal("fresh dispatcher reports subscribers")
	}
	d.SubscribeMessage(cap, func(_ *PeerConnection, _ Capability, _ Message) {})
	if !d.HasMessageSubscribers(cap) {
		t.Fatal("subscriber not visible")
	}
	if d.HasMessageSubscribers(Capability{"bbb", 1}) {
		t.Fatal("unrelated capability reports subscribers")
	}
}

func TestDispatcher_NoSubscribersIsNoOp(t *testing.T) {
	d := NewConnectionEventDispatcher(nil)
	// Must not panic.
	d.DispatchMessage(nil, Capability{"aaa", 1}, Message{})
	d.DispatchConnect(nil)
	d.DispatchDisconnect(nil, DiscRequested, false)
}
