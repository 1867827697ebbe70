package signaling

import (
	"testing"
)

func newTestCoordinator() (*Coordinator, *Registry) {
	reg := NewRegistry(testLogger())
	return NewCoordinator(reg, nil, testLogger()), reg
}

func findByType(msgs []Message, typ Type) (Message, bool) {
	for _, m := range msgs {
		if m.Type == typ {
			return m, true
		}
	}
	return Message{}, false
}

func TestCoordinator_AcceptMintsOneRoomForExactlyTwoPeers(t *testing.T) {
	coord, reg := newTestCoordinator()
	alice := reg.Register("alice")
	bob := reg.Register("bob")
	carol := reg.Register("carol")
	drain(alice)
	drain(bob)
	drain(carol)

	// Bob accepts Alice's request.
	coord.HandleMessage(bob, Message{Type: TypeAcceptConnection, From: alice.ID})

	toAlice, ok := findByType(drain(alice), TypeWebRTCStart)
	if !ok {
		t.Fatalf("alice did not receive webrtc-start")
	}
	toBob, ok := findByType(drain(bob), TypeWebRTCStart)
	if !ok {
		t.Fatalf("bob did not receive webrtc-start")
	}

	if toAlice.RoomID == "" || toAlice.RoomID != toBob.RoomID {
		t.Fatalf("room ids differ or empty: %q vs %q", toAlice.RoomID, toBob.RoomID)
	}
	if toAlice.IsCaller == nil || !*toAlice.IsCaller {
		t.Fatalf("requester must be the caller")
	}
	if toBob.IsCaller == nil || *toBob.IsCaller {
		t.Fatalf("accepter must not be the caller")
	}
	if toAlice.OtherUser != bob.ID || toBob.OtherUser != alice.ID {
		t.Fatalf("otherUser mismatch: %q / %q", toAlice.OtherUser, toBob.OtherUser)
	}

	if msg, ok := findByType(drain(carol), TypeWebRTCStart); ok {
		t.Fatalf("third identity received webrtc-start: %+v", msg)
	}
}

func TestCoordinator_RequestConnectionCarriesNameAndDevice(t *testing.T) {
	coord, reg := newTestCoordinator()
	alice := reg.Register("alice")
	bob := reg.Register("bob")
	reg.SetDevice(alice.ID, DeviceInfo{DeviceName: "MacBook"})
	drain(alice)
	drain(bob)

	coord.HandleMessage(alice, Message{Type: TypeRequestConnection, To: bob.ID})

	req, ok := findByType(drain(bob), TypeIncomingRequest)
	if !ok {
		t.Fatalf("bob did not receive incoming-request")
	}
	if req.From != alice.ID || req.FromName != "alice" {
		t.Fatalf("unexpected request origin: %+v", req)
	}
	if req.DeviceInfo == nil || req.DeviceInfo.DeviceName != "MacBook" {
		t.Fatalf("expected requester device info, got %+v", req.DeviceInfo)
	}
}

func TestCoordinator_RoutingMissIsSilent(t *testing.T) {
	coord, reg := newTestCoordinator()
	alice := reg.Register("alice")
	drain(alice)

	coord.HandleMessage(alice, Message{Type: TypeRequestConnection, To: "no-such-id"})
	coord.HandleMessage(alice, Message{Type: TypeOffer, To: "no-such-id", SDP: &SDP{Type: "offer", SDP: "v=0"}})

	// No error message, no echo. Absence of the target is observably
	// identical to the target never answering.
	if msgs := drain(alice); len(msgs) != 0 {
		t.Fatalf("expected silence on routing miss, got %+v", msgs)
	}
}

func TestCoordinator_RejectForwardedAsConnectionRejected(t *testing.T) {
	coord, reg := newTestCoordinator()
	alice := reg.Register("alice")
	bob := reg.Register("bob")
	drain(alice)
	drain(bob)

	coord.HandleMessage(bob, Message{Type: TypeRejectConnection, To: alice.ID})

	got, ok := findByType(drain(alice), TypeConnectionRejected)
	if !ok {
		t.Fatalf("alice did not receive connection-rejected")
	}
	if got.From != bob.ID {
		t.Fatalf("connection-rejected stamped with %q, want %q", got.From, bob.ID)
	}
}

func TestCoordinator_CancelClearsPendingRequestScenario(t *testing.T) {
	coord, reg := newTestCoordinator()
	alice := reg.Register("alice")
	bob := reg.Register("bob")
	drain(alice)
	drain(bob)

	coord.HandleMessage(alice, Message{Type: TypeRequestConnection, To: bob.ID})
	if _, ok := findByType(drain(bob), TypeIncomingRequest); !ok {
		t.Fatalf("bob did not receive incoming-request")
	}

	// Bob never responds; Alice cancels.
	coord.HandleMessage(alice, Message{Type: TypeCancelConnection, To: bob.ID})

	cancel, ok := findByType(drain(bob), TypeCancelConnection)
	if !ok {
		t.Fatalf("bob did not receive cancel-connection")
	}
	if cancel.From != alice.ID {
		t.Fatalf("cancel stamped with %q, want %q", cancel.From, alice.ID)
	}

	// No webrtc-start may ever have been sent to either side.
	if _, ok := findByType(drain(alice), TypeWebRTCStart); ok {
		t.Fatalf("alice received webrtc-start after cancel")
	}
	if _, ok := findByType(drain(bob), TypeWebRTCStart); ok {
		t.Fatalf("bob received webrtc-start after cancel")
	}
}

func TestCoordinator_SignalsForwardedVerbatim(t *testing.T) {
	coord, reg := newTestCoordinator()
	alice := reg.Register("alice")
	bob := reg.Register("bob")
	drain(alice)
	drain(bob)

	mid := "0"
	coord.HandleMessage(alice, Message{Type: TypeOffer, To: bob.ID, SDP: &SDP{Type: "offer", SDP: "v=0 offer"}})
	coord.HandleMessage(alice, Message{Type: TypeICECandidate, To: bob.ID, Candidate: &Candidate{Candidate: "candidate:1", SDPMid: &mid}})

	msgs := drain(bob)
	offer, ok := findByType(msgs, TypeOffer)
	if !ok || offer.SDP == nil || offer.SDP.SDP != "v=0 offer" || offer.From != alice.ID {
		t.Fatalf("offer not forwarded verbatim: %+v", offer)
	}
	cand, ok := findByType(msgs, TypeICECandidate)
	if !ok || cand.Candidate == nil || cand.Candidate.Candidate != "candidate:1" {
		t.Fatalf("candidate not forwarded verbatim: %+v", cand)
	}
	if cand.Candidate.SDPMid == nil || *cand.Candidate.SDPMid != "0" {
		t.Fatalf("candidate sdpMid not preserved: %+v", cand.Candidate)
	}
}

func TestCoordinator_RenameTriggersBroadcast(t *testing.T) {
	coord, reg := newTestCoordinator()
	alice := reg.Register("alice")
	bob := reg.Register("bob")
	drain(alice)
	drain(bob)

	coord.HandleMessage(bob, Message{Type: TypeRegisterName, Name: "bobby"})

	users := lastOnlineUsers(drain(alice))
	if len(users) != 1 || users[0].Name != "bobby" {
		t.Fatalf("alice did not observe rename, got %+v", users)
	}
}
