package engine

import (
	"time"

	"github.com/zurustar/callcore/internal/media"
)

// EventKind names a lifecycle event emitted by the engine.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventNewIncoming
	EventNewOutgoing
	EventWillStart
	EventDidStart
	EventGotProvisionalResponse
	EventNewProposal
	EventProposalAccepted
	EventProposalRejected
	EventProposalFailed
	EventDidRenegotiateStreams
	EventDidChangeState
	EventWillEnd
	EventDidEnd
	EventDidFail
	EventTransferNewIncoming
	EventTransferNewOutgoing
	EventTransferDidStart
	EventTransferDidEnd
	EventTransferDidFail
	EventTransferGotProgress
	EventGotConferenceInfo
	EventDidAddParticipant
	EventDidNotAddParticipant
	EventParticipantProgress
)

var eventNames = map[EventKind]string{
	EventNewIncoming:            "new-incoming",
	EventNewOutgoing:            "new-outgoing",
	EventWillStart:              "will-start",
	EventDidStart:               "did-start",
	EventGotProvisionalResponse: "got-provisional-response",
	EventNewProposal:            "new-proposal",
	EventProposalAccepted:       "proposal-accepted",
	EventProposalRejected:       "proposal-rejected",
	EventProposalFailed:         "proposal-failed",
	EventDidRenegotiateStreams:  "did-renegotiate-streams",
	EventDidChangeState:         "did-change-state",
	EventWillEnd:                "will-end",
	EventDidEnd:                 "did-end",
	EventDidFail:                "did-fail",
	EventTransferNewIncoming:    "transfer-new-incoming",
	EventTransferNewOutgoing:    "transfer-new-outgoing",
	EventTransferDidStart:       "transfer-did-start",
	EventTransferDidEnd:         "transfer-did-end",
	EventTransferDidFail:        "transfer-did-fail",
	EventTransferGotProgress:    "transfer-got-progress",
	EventGotConferenceInfo:      "got-conference-info",
	EventDidAddParticipant:      "did-add-participant",
	EventDidNotAddParticipant:   "did-not-add-participant",
	EventParticipantProgress:    "participant-progress",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// ConferenceUser is one entry in a conference roster.
type ConferenceUser struct {
	Entity      string `json:"entity"`
	DisplayText string `json:"display_text,omitempty"`
}

// ConferenceInfo is a conference roster pushed by a focus.
type ConferenceInfo struct {
	Subject string           `json:"subject,omitempty"`
	Users   []ConferenceUser `json:"users"`
}

// Event is one engine notification. Which fields are set depends on Kind.
type Event struct {
	Kind      EventKind
	Session   Session
	Timestamp time.Time

	Originator    Originator
	Code          int
	Reason        string
	FailureReason string

	// RedirectIdentities are the targets offered by a 3xx failure.
	RedirectIdentities []Identity

	// Streams are the proposed or accepted streams.
	Streams []*media.Stream
	// Body is the raw SDP of an offer. Engines that do not classify media
	// themselves send it instead of Streams.
	Body    []byte
	Added   []*media.Stream
	Removed []*media.Stream

	// State is the new engine state of a did-change-state event.
	State State

	Conference     *ConferenceInfo
	Participant    string
	TransferTarget string
}
