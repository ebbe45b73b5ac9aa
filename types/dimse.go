package types

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF

	NEventReportRQ  = 0x0100
	NEventReportRSP = 0x8100
	NActionRQ       = 0x0130
	NActionRSP      = 0x8130
)

// DIMSE Status codes
const (
	StatusSuccess = 0x0000
	StatusPending = 0xFF00
	StatusCancel  = 0xFE00
	StatusFailure = 0xC000

	// StatusMoveDestinationUnknown - C-MOVE refused, destination AE unknown
	StatusMoveDestinationUnknown = 0xA801

	// StatusSubOperationsCompleteWithFailures - warning: one or more
	// sub-operations failed
	StatusSubOperationsCompleteWithFailures = 0xB000

	// StatusOutOfResources - refused, out of resources
	StatusOutOfResources = 0xA700
)

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string // For C-MOVE-RQ: the AE title of the move destination
	TransferSyntaxUID         string // Negotiated transfer syntax for associated dataset

	// N-ACTION / N-EVENT-REPORT fields (storage commitment)
	RequestedSOPInstanceUID string
	ActionTypeID            uint16
	EventTypeID             uint16

	// C-STORE sub-operation attribution when triggered by a C-MOVE
	MoveOriginatorAETitle   string
	MoveOriginatorMessageID uint16

	// C-MOVE and C-GET response counters
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// SOPReference identifies one instance by SOP class and SOP instance UID,
// as carried in a ReferencedSOPSequence item.
type SOPReference struct {
	ClassUID    string
	InstanceUID string
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CGetRQ:
		return CGetRSP
	case CFindRQ:
		return CFindRSP
	case CMoveRQ:
		return CMoveRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}
