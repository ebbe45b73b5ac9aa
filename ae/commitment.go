package ae

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/services"
	"github.com/caio-sobreiro/tinypacs/storage"
	"github.com/caio-sobreiro/tinypacs/types"
)

// Storage commitment event types (PS3.4 J.3.3).
const (
	commitmentEventAllStored    = 1
	commitmentEventWithFailures = 2
)

// commitmentHandler serves the storage commitment push model: the N-ACTION
// request is acknowledged immediately, then the commitment outcome is
// reported with an N-EVENT-REPORT on the same association.
type commitmentHandler struct {
	ae *AE
}

func (h *commitmentHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewResponseBuilder(msg).NActionResponse(types.StatusFailure), nil, nil
}

func (h *commitmentHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	builder := services.NewResponseBuilder(msg)

	sub, ok := responder.(interfaces.SubOperationSender)
	if !ok {
		return fmt.Errorf("storage commitment requires a sub-operation capable transport")
	}

	if msg.RequestedSOPClassUID != types.StorageCommitmentPushModelSOPClass {
		h.ae.logger.Warn("N-ACTION on unsupported SOP class",
			"sop_class_uid", msg.RequestedSOPClassUID)
		return responder.SendResponse(builder.NActionResponse(types.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	req, err := dicom.ParseStorageCommitmentRequest(data, meta.TransferSyntaxUID)
	if err != nil {
		h.ae.logger.Error("Unparseable commitment request", "error", err)
		return responder.SendResponse(builder.NActionResponse(types.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	v, err := h.ae.bus.SendOne(eventbus.OnReceiveCommitment, req.References)
	if err != nil {
		h.ae.logger.Error("Commitment verification failed", "error", err)
		return responder.SendResponse(builder.NActionResponse(types.StatusFailure), nil, meta.TransferSyntaxUID)
	}
	result, ok := v.(storage.VerifyResult)
	if !ok {
		return responder.SendResponse(builder.NActionResponse(types.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	if err := responder.SendResponse(builder.NActionResponse(types.StatusSuccess), nil, meta.TransferSyntaxUID); err != nil {
		return err
	}

	h.ae.logger.Info("Storage commitment verified",
		"transaction_uid", req.TransactionUID,
		"stored", len(result.Success),
		"missing", len(result.Failed))

	eventTypeID := uint16(commitmentEventAllStored)
	if len(result.Failed) > 0 {
		eventTypeID = commitmentEventWithFailures
	}

	report := dicom.EncodeStorageCommitmentResult(&dicom.StorageCommitmentResult{
		TransactionUID: req.TransactionUID,
		Success:        result.Success,
		Failed:         result.Failed,
	}, meta.TransferSyntaxUID)

	eventMsg := services.NewNEventReportRequest(
		msg.MessageID,
		types.StorageCommitmentPushModelSOPClass,
		types.StorageCommitmentPushModelSOPInstance,
		eventTypeID,
	)
	return sub.SendRequest(eventMsg, report,
		types.StorageCommitmentPushModelSOPClass, meta.TransferSyntaxUID)
}
