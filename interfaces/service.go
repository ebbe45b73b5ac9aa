// Package interfaces contains the contracts between the transport layer and
// the service implementations sitting behind it.
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/types"
)

// MessageContext carries the association and presentation-context metadata
// for one DIMSE message. Handlers need it to decode the data set (transfer
// syntax) and to attribute the operation (calling AE).
type MessageContext struct {
	PresentationContextID byte
	AbstractSyntaxUID     string
	TransferSyntaxUID     string
	CallingAETitle        string
	CalledAETitle         string
	RemoteHost            string
}

// AssociationInfo describes an incoming association request.
type AssociationInfo struct {
	CallingAETitle string
	CalledAETitle  string
	RemoteHost     string
}

// ServiceHandler handles a single-response DIMSE operation.
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dicom.Dataset, error)
}

// StreamingServiceHandler handles multi-response DIMSE operations such as
// C-FIND, where each match is sent as a separate pending response.
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// ResponseSender sends DIMSE responses back on the association. The data set,
// if any, is encoded with the given transfer syntax.
type ResponseSender interface {
	SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error
}

// SubOperationSender sends DIMSE requests from the server side of an open
// association: C-STORE sub-operations during C-GET, and the N-EVENT-REPORT
// that completes a storage commitment transaction. The presentation context
// is chosen by abstract and transfer syntax; raw holds the pre-encoded data
// set bytes.
type SubOperationSender interface {
	ResponseSender
	SendRequest(msg *types.Message, raw []byte, abstractSyntaxUID, transferSyntaxUID string) error
}

// AssociationValidator decides whether an incoming association is accepted.
// Returning an error rejects the association (an errors.AssociationError
// carries the reject result/source/reason onto the wire).
type AssociationValidator interface {
	ValidateAssociation(info *AssociationInfo) error
}

// DIMSEHandler is how the PDU layer hands message fragments to the DIMSE
// layer.
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer is how the DIMSE layer sends data back through the PDU layer.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error

	// ContextFor returns the accepted presentation context matching the
	// abstract syntax and, when transferSyntaxUID is non-empty, the transfer
	// syntax. ok is false when nothing was negotiated for the pair.
	ContextFor(abstractSyntaxUID, transferSyntaxUID string) (id byte, transferSyntax string, ok bool)

	// PresentationContext resolves a negotiated context id to its abstract
	// and transfer syntax.
	PresentationContext(presContextID byte) (abstractSyntaxUID, transferSyntaxUID string, err error)

	// AssociationInfo returns the metadata of the current association.
	AssociationInfo() *AssociationInfo
}
