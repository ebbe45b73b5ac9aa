package dimse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/tinypacs/dicom"
	pacserrors "github.com/caio-sobreiro/tinypacs/errors"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/types"
)

// Service reassembles DIMSE messages from PDV fragments and routes complete
// messages to a service handler. One Service instance serves one association.
type Service struct {
	handler     interfaces.ServiceHandler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	logger      *slog.Logger
}

// NewService creates a DIMSE service bound to a handler.
func NewService(handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		handler: handler,
		logger:  logger,
	}
}

// responder sends responses and server-initiated requests back through the
// PDU layer on behalf of a handler.
type responder struct {
	service       *Service
	presContextID byte
	pduLayer      interfaces.PDULayer
}

// SendResponse encodes and sends a DIMSE response, with the data set encoded
// in the given transfer syntax.
func (r *responder) SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error {
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode response command: %w", err)
	}

	var datasetData []byte
	if dataset != nil {
		datasetData, err = dicom.EncodeDatasetWithTransferSyntax(dataset, transferSyntaxUID)
		if err != nil {
			return fmt.Errorf("failed to encode response dataset: %w", err)
		}
	}
	return r.pduLayer.SendDIMSEResponseWithDataset(r.presContextID, commandData, datasetData)
}

// SendRequest sends a server-initiated request (C-STORE sub-operation during
// C-GET, N-EVENT-REPORT) on the presentation context negotiated for the given
// abstract and transfer syntax. raw holds pre-encoded data set bytes.
func (r *responder) SendRequest(msg *types.Message, raw []byte, abstractSyntaxUID, transferSyntaxUID string) error {
	id, _, ok := r.pduLayer.ContextFor(abstractSyntaxUID, transferSyntaxUID)
	if !ok {
		return fmt.Errorf("%w: %s / %s", pacserrors.ErrNoPresentationCtx, abstractSyntaxUID, transferSyntaxUID)
	}
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode request command: %w", err)
	}
	return r.pduLayer.SendDIMSEResponseWithDataset(id, commandData, raw)
}

// HandleDIMSEMessage accumulates PDV fragments and dispatches the message
// once both the command set and any data set are complete.
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
	ctx := context.Background()

	// Bit 0: command; bit 1: last fragment.
	isCommand := (msgCtrlHeader & 0x01) != 0
	isLastFragment := (msgCtrlHeader & 0x02) != 0

	if isCommand {
		d.commandData = append(d.commandData, data...)
		if isLastFragment {
			msg, err := DecodeCommand(d.commandData)
			if err != nil {
				return fmt.Errorf("failed to parse DIMSE command: %w", err)
			}
			d.currentMsg = msg

			if msg.CommandDataSetType == NoDataSet {
				return d.processCompleteMessage(ctx, presContextID, pduLayer)
			}
		}
		return nil
	}

	d.datasetData = append(d.datasetData, data...)
	if isLastFragment {
		return d.processCompleteMessage(ctx, presContextID, pduLayer)
	}
	return nil
}

func (d *Service) reset() {
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil
}

func (d *Service) processCompleteMessage(ctx context.Context, presContextID byte, pduLayer interfaces.PDULayer) error {
	if d.currentMsg == nil {
		return fmt.Errorf("no current message to process")
	}
	msg := d.currentMsg
	data := d.datasetData
	defer d.reset()

	// Responses from the peer (C-STORE-RSP to a C-GET sub-operation,
	// N-EVENT-REPORT-RSP) terminate at this layer.
	if msg.CommandField&0x8000 != 0 {
		d.logger.DebugContext(ctx, "Received DIMSE response from peer",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
			"status", fmt.Sprintf("0x%04x", msg.Status))
		return nil
	}

	abstractSyntax, transferSyntax, err := pduLayer.PresentationContext(presContextID)
	if err != nil {
		return fmt.Errorf("unknown presentation context %d: %w", presContextID, err)
	}

	meta := interfaces.MessageContext{
		PresentationContextID: presContextID,
		AbstractSyntaxUID:     abstractSyntax,
		TransferSyntaxUID:     transferSyntax,
	}
	if info := pduLayer.AssociationInfo(); info != nil {
		meta.CallingAETitle = info.CallingAETitle
		meta.CalledAETitle = info.CalledAETitle
		meta.RemoteHost = info.RemoteHost
	}

	d.logger.InfoContext(ctx, "Processing DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"calling_ae", meta.CallingAETitle,
		"dataset_size", len(data))

	resp := &responder{
		service:       d,
		presContextID: presContextID,
		pduLayer:      pduLayer,
	}

	if streamingHandler, ok := d.handler.(interfaces.StreamingServiceHandler); ok {
		return streamingHandler.HandleDIMSEStreaming(ctx, msg, data, meta, resp)
	}

	responseMsg, responseDataset, err := d.handler.HandleDIMSE(ctx, msg, data, meta)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}
	return resp.SendResponse(responseMsg, responseDataset, transferSyntax)
}
