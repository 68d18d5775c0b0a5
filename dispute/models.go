package dispute

import "time"

// Status is the derived lifecycle position of a dispute. Transitions are
// strictly forward and Resolved is terminal.
type Status string

const (
	StatusCreated             Status = "created"
	StatusJoined              Status = "joined"
	StatusCasesComplete       Status = "cases_complete"
	StatusResolutionRequested Status = "resolution_requested"
	StatusResolved            Status = "resolved"
)

// Record mirrors the disputes table. Party identities are uuid text; an unset
// party B, handle or winner is represented by a nil pointer.
type Record struct {
	ID            int64
	PartyA        string
	PartyB        *string
	Amount        int64
	CaseA         string
	CaseB         string
	RequestHandle *string
	IsResolved    bool
	Winner        *string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// Status derives the lifecycle state from the record's fields.
func (r Record) Status() Status {
	switch {
	case r.IsResolved:
		return StatusResolved
	case r.RequestHandle != nil:
		return StatusResolutionRequested
	case r.CaseA != "" && r.CaseB != "":
		return StatusCasesComplete
	case r.PartyB != nil:
		return StatusJoined
	default:
		return StatusCreated
	}
}

// IsParty reports whether the given identity is bound to the dispute.
func (r Record) IsParty(partyID string) bool {
	if partyID == r.PartyA {
		return true
	}
	return r.PartyB != nil && partyID == *r.PartyB
}

// Event captures an immutable business event for a dispute. Seq is monotonic
// per dispute.
type Event struct {
	ID        int64
	DisputeID int64
	Seq       int
	Type      string
	ActorID   *string
	Payload   []byte
	CreatedAt time.Time
}

const (
	EventDisputeCreated      = "DISPUTE_CREATED"
	EventPartyJoined         = "PARTY_JOINED"
	EventCaseSubmitted       = "CASE_SUBMITTED"
	EventResolutionRequested = "RESOLUTION_REQUESTED"
	EventDisputeResolved     = "DISPUTE_RESOLVED"
)

const (
	// OutboxTopicCreated is published whenever a dispute is opened.
	OutboxTopicCreated = "dispute.created"
	// OutboxTopicJoined is published when party B matches the deposit.
	OutboxTopicJoined = "dispute.joined"
	// OutboxTopicCaseSubmitted is published per stored case statement.
	OutboxTopicCaseSubmitted = "dispute.case_submitted"
	// OutboxTopicRequested is published when a resolution handle is issued.
	OutboxTopicRequested = "dispute.resolution_requested"
	// OutboxTopicResolved is published exactly once per dispute, at settlement.
	OutboxTopicResolved = "dispute.resolved"
)
