package relay

// TunState is one of the three states a tunnel endpoint occupies. The
// zero value is Idle, matching the endpoint's construction-time state.
type TunState int

const (
	Idle TunState = iota
	Using
	Resetting
)

func (s TunState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Using:
		return "USING"
	case Resetting:
		return "RESETTING"
	default:
		return "UNKNOWN"
	}
}

// transition captures one edge of the state diagram in §4.3. sendRST and
// cancelPump tell the caller which side effects accompany the edge; the
// caller (Endpoint) is responsible for actually performing them, since
// those effects touch the WebSocket and the pump, not just state.
type transition struct {
	next       TunState
	sendRST    bool
	cancelPump bool
	closeLocal bool
	// succeedReset, when true, means the caller should additionally clear
	// reader/writer/pump_task (the succeed_reset() step of §4.5).
	succeedReset bool
	forbidden    bool
}

// onSetProxy computes the transition for a local set_proxy call. Only
// legal from Idle; RESETTING and USING both forbid it (the RESETTING case
// is explicit in §4.3, USING simply has no slot for a second stream).
func onSetProxy(s TunState) transition {
	if s != Idle {
		return transition{next: s, forbidden: true}
	}
	return transition{next: Using}
}

// onLocalReset computes the transition for a locally-initiated reset
// (Endpoint.ResetTunnel). Per §4.5, only USING sends an RST and waits;
// any other state ("otherwise") closes the WebSocket with 3001 — there is
// no "already resetting, ignore" carve-out in the source for this path.
func onLocalReset(s TunState) transition {
	if s != Using {
		return transition{next: s, forbidden: true}
	}
	return transition{next: Resetting, sendRST: true, cancelPump: true, closeLocal: true}
}

// onRemoteRST computes the transition for an inbound RST frame
// (Endpoint.OnResetTunnel), implementing the race rule from §4.3: an RST
// arriving while RESETTING is accepted as the confirmation, not echoed.
func onRemoteRST(s TunState) transition {
	switch s {
	case Using:
		return transition{next: Idle, sendRST: true, cancelPump: true, closeLocal: true, succeedReset: true}
	case Resetting:
		return transition{next: Idle, succeedReset: true}
	default: // Idle
		return transition{next: s, forbidden: true}
	}
}
