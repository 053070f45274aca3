package order

// AppAgent is the agent id recorded when the customer app, not a human
// agent, registered or accepted the call.
const AppAgent = "0"

// Status labels produced by DeriveStatus.
const (
	LabelReserved    = "reserved"
	LabelAccepted    = "accepted"
	LabelAppAccepted = "app-accepted"
)

// DeriveStatus computes the display label of r. It is pure and is
// evaluated on every read; the label is never stored.
//
// Precedence: cancelled, reserved, accept agent, add agent, raw status.
func DeriveStatus(r Record) string {
	switch {
	case r.CancelledAt != 0:
		return r.CancelStatus
	case r.ReservedAt != 0:
		return withAgent(LabelReserved, r.AddAgent)
	case r.AcceptAgent == AppAgent:
		return LabelAppAccepted
	case r.AcceptAgent != "":
		return withAgent(LabelAccepted, r.AcceptAgent)
	case r.AddAgent == AppAgent:
		return LabelAppAccepted
	case r.AddAgent != "":
		return withAgent(LabelAccepted, r.AddAgent)
	default:
		return r.Status
	}
}

func withAgent(label, agent string) string {
	return label + "(" + agent + ")"
}
