package ae

import (
	"context"

	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/services"
	"github.com/caio-sobreiro/tinypacs/types"
)

// findHandler answers C-FIND requests: one pending response per match,
// followed by the final success response.
type findHandler struct {
	ae *AE
}

func (h *findHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewCFindErrorResponse(msg, types.StatusFailure), nil, nil
}

func (h *findHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	ds, err := h.ae.parseDataset(data, meta)
	if err != nil {
		h.ae.logger.Error("Unparseable C-FIND identifier", "error", err)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, types.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	results, err := h.ae.bus.Broadcast(eventbus.OnReceiveFind, &meta, ds)
	if err != nil {
		h.ae.logger.Error("C-FIND query failed", "error", err)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, types.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	var matches []*dicom.Dataset
	for _, r := range results {
		if sets, ok := r.([]*dicom.Dataset); ok {
			matches = append(matches, sets...)
		}
	}

	h.ae.logger.Info("C-FIND matched",
		"calling_ae", meta.CallingAETitle,
		"matches", len(matches))

	for _, match := range matches {
		if err := responder.SendResponse(services.NewCFindPendingResponse(msg), match, meta.TransferSyntaxUID); err != nil {
			return err
		}
	}
	return responder.SendResponse(services.NewCFindSuccessResponse(msg), nil, meta.TransferSyntaxUID)
}
