package ae

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/dimse"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/services"
	"github.com/caio-sobreiro/tinypacs/storage"
	"github.com/caio-sobreiro/tinypacs/types"
)

// getHandler serves C-GET: matching instances are sent as C-STORE
// sub-operations on the same association, on the presentation contexts the
// peer proposed for their SOP classes.
type getHandler struct {
	ae *AE
}

func (h *getHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewResponseBuilder(msg).CGetResponse(types.StatusFailure, nil, nil, nil, nil), nil, nil
}

func (h *getHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	builder := services.NewResponseBuilder(msg)

	sub, ok := responder.(interfaces.SubOperationSender)
	if !ok {
		return fmt.Errorf("c-get requires a sub-operation capable transport")
	}

	ds, err := h.ae.parseDataset(data, meta)
	if err != nil {
		h.ae.logger.Error("Unparseable C-GET identifier", "error", err)
		return responder.SendResponse(builder.CGetResponse(types.StatusFailure, nil, nil, nil, nil), nil, meta.TransferSyntaxUID)
	}

	results, err := h.ae.bus.Broadcast(eventbus.OnReceiveGet, &meta, ds)
	if err != nil {
		h.ae.logger.Error("C-GET query failed", "error", err)
		return responder.SendResponse(builder.CGetResponse(types.StatusFailure, nil, nil, nil, nil), nil, meta.TransferSyntaxUID)
	}

	var artifacts []storage.Artifact
	for _, r := range results {
		if arts, ok := r.([]storage.Artifact); ok {
			artifacts = append(artifacts, arts...)
		}
	}

	h.ae.logger.Info("C-GET sending",
		"calling_ae", meta.CallingAETitle,
		"instances", len(artifacts))

	var completed, failed uint16
	total := uint16(len(artifacts))

	for i, art := range artifacts {
		storeMsg := &types.Message{
			CommandField:           dimse.CStoreRQ,
			MessageID:              uint16(i + 1),
			Priority:               msg.Priority,
			CommandDataSetType:     0x0000,
			AffectedSOPClassUID:    art.SOPClassUID,
			AffectedSOPInstanceUID: art.SOPInstanceUID,
		}
		// The read loop serving this association is busy here, so the
		// peer's C-STORE-RSP cannot be awaited; a send failure is the only
		// failure signal available.
		if err := sub.SendRequest(storeMsg, art.Data, art.SOPClassUID, art.TransferSyntaxUID); err != nil {
			failed++
			h.ae.logger.Warn("C-GET sub-operation failed",
				"sop_instance_uid", art.SOPInstanceUID,
				"sop_class_uid", art.SOPClassUID,
				"error", err)
		} else {
			completed++
		}

		remaining := total - completed - failed
		if remaining > 0 {
			warning := uint16(0)
			if err := responder.SendResponse(
				builder.CGetResponse(types.StatusPending, &completed, &failed, &warning, &remaining),
				nil, meta.TransferSyntaxUID); err != nil {
				return err
			}
		}
	}

	status := uint16(types.StatusSuccess)
	if failed > 0 {
		status = types.StatusSubOperationsCompleteWithFailures
	}
	remaining := uint16(0)
	warning := uint16(0)
	return responder.SendResponse(
		builder.CGetResponse(status, &completed, &failed, &warning, &remaining),
		nil, meta.TransferSyntaxUID)
}
