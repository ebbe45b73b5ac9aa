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

// storeHandler receives C-STORE requests: it asks the active storage backend
// for a sink, writes the data set, and lets the indexing listeners decide the
// final status.
type storeHandler struct {
	ae *AE
}

func (h *storeHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	status := h.store(msg, data, meta)
	return services.NewCStoreResponse(msg, status), nil, nil
}

func (h *storeHandler) store(msg *types.Message, data []byte, meta interfaces.MessageContext) uint16 {
	v, err := h.ae.bus.SendOne(eventbus.OnStoreGetFile, &meta, msg)
	if err != nil {
		h.ae.logger.Error("No storage sink for incoming instance",
			"sop_instance_uid", msg.AffectedSOPInstanceUID, "error", err)
		return types.StatusOutOfResources
	}
	nf, ok := v.(storage.NewFile)
	if !ok {
		h.ae.logger.Error("Unexpected on-store-get-file result",
			"type", fmt.Sprintf("%T", v))
		return types.StatusOutOfResources
	}

	if _, err := nf.Sink.Write(data); err != nil {
		h.ae.logger.Error("Writing instance data failed",
			"sop_instance_uid", msg.AffectedSOPInstanceUID, "error", err)
		h.ae.bus.BroadcastNothrow(eventbus.OnStoreFailure, msg)
		return types.StatusOutOfResources
	}

	results, err := h.ae.bus.Broadcast(eventbus.OnReceiveStore, &meta, msg, nf.Sink, nf.Start)
	if err != nil {
		h.ae.logger.Error("Store listeners failed",
			"sop_instance_uid", msg.AffectedSOPInstanceUID, "error", err)
		return types.StatusFailure
	}

	// The worst status across listeners wins.
	status := uint16(types.StatusSuccess)
	for _, r := range results {
		if s, ok := r.(uint16); ok && s > status {
			status = s
		}
	}
	return status
}
