package ae

import (
	"context"

	"github.com/caio-sobreiro/tinypacs/client"
	"github.com/caio-sobreiro/tinypacs/devices"
	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/services"
	"github.com/caio-sobreiro/tinypacs/storage"
	"github.com/caio-sobreiro/tinypacs/types"
)

// moveHandler serves C-MOVE: it resolves the destination AE through the
// device registry, opens an outbound association, and forwards each matching
// instance as a C-STORE sub-operation.
type moveHandler struct {
	ae *AE
}

func (h *moveHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewCMoveErrorResponse(msg, types.StatusFailure), nil, nil
}

func (h *moveHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	dest, err := h.destination(msg.MoveDestination)
	if err != nil || dest == nil {
		h.ae.logger.Warn("C-MOVE destination unknown", "destination", msg.MoveDestination)
		return responder.SendResponse(
			services.NewCMoveErrorResponse(msg, types.StatusMoveDestinationUnknown),
			nil, meta.TransferSyntaxUID)
	}

	ds, err := h.ae.parseDataset(data, meta)
	if err != nil {
		h.ae.logger.Error("Unparseable C-MOVE identifier", "error", err)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, types.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	artifacts, err := h.artifacts(msg, ds, meta)
	if err != nil {
		h.ae.logger.Error("C-MOVE query failed", "error", err)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, types.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	h.ae.logger.Info("C-MOVE forwarding",
		"destination", msg.MoveDestination,
		"endpoint", dest.Endpoint(),
		"instances", len(artifacts))

	assoc, err := client.Connect(dest.Endpoint(), client.Config{
		CallingAETitle:       h.ae.MainAET(),
		CalledAETitle:        dest.AETitle,
		PresentationContexts: contextsFor(artifacts),
		Logger:               h.ae.logger,
	})
	if err != nil {
		h.ae.logger.Error("C-MOVE destination unreachable",
			"endpoint", dest.Endpoint(), "error", err)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, types.StatusOutOfResources), nil, meta.TransferSyntaxUID)
	}
	defer assoc.Close()

	var completed, failed, warning uint16
	total := uint16(len(artifacts))
	originatorID := msg.MessageID

	for i, art := range artifacts {
		resp, err := assoc.SendCStore(&client.CStoreRequest{
			SOPClassUID:             art.SOPClassUID,
			SOPInstanceUID:          art.SOPInstanceUID,
			Data:                    art.Data,
			MessageID:               uint16(i + 1),
			TransferSyntaxUID:       art.TransferSyntaxUID,
			MoveOriginatorAETitle:   meta.CallingAETitle,
			MoveOriginatorMessageID: &originatorID,
		})
		switch {
		case err != nil:
			failed++
			h.ae.logger.Warn("C-MOVE sub-operation failed",
				"sop_instance_uid", art.SOPInstanceUID, "error", err)
		case resp.Status == types.StatusSuccess:
			completed++
		case resp.Status&0xF000 == 0xB000:
			warning++
			h.ae.logger.Warn("C-MOVE sub-operation completed with warning",
				"sop_instance_uid", art.SOPInstanceUID, "status", resp.Status)
		default:
			failed++
			h.ae.logger.Warn("C-MOVE sub-operation failed",
				"sop_instance_uid", art.SOPInstanceUID, "status", resp.Status)
		}

		remaining := total - completed - failed - warning
		if remaining > 0 {
			if err := responder.SendResponse(
				services.NewCMovePendingResponse(msg, completed, failed, warning, remaining),
				nil, meta.TransferSyntaxUID); err != nil {
				return err
			}
		}
	}

	if failed > 0 {
		remaining := uint16(0)
		return responder.SendResponse(
			services.NewResponseBuilder(msg).CMoveResponse(
				types.StatusSubOperationsCompleteWithFailures,
				&completed, &failed, &warning, &remaining),
			nil, meta.TransferSyntaxUID)
	}
	return responder.SendResponse(
		services.NewCMoveSuccessResponse(msg, completed, 0, warning),
		nil, meta.TransferSyntaxUID)
}

func (h *moveHandler) destination(aet string) (*devices.Device, error) {
	v, err := h.ae.bus.SendAny(eventbus.DeviceByAE, aet)
	if err != nil {
		return nil, err
	}
	if dev, ok := v.(*devices.Device); ok {
		return dev, nil
	}
	return nil, nil
}

func (h *moveHandler) artifacts(msg *types.Message, ds *dicom.Dataset, meta interfaces.MessageContext) ([]storage.Artifact, error) {
	results, err := h.ae.bus.Broadcast(eventbus.OnReceiveMove, &meta, ds, msg.MoveDestination)
	if err != nil {
		return nil, err
	}
	var artifacts []storage.Artifact
	for _, r := range results {
		if arts, ok := r.([]storage.Artifact); ok {
			artifacts = append(artifacts, arts...)
		}
	}
	return artifacts, nil
}

// contextsFor proposes one presentation context per distinct SOP class and
// transfer syntax pair among the instances to send.
func contextsFor(artifacts []storage.Artifact) []client.ProposedContext {
	type pair struct{ class, ts string }
	seen := make(map[pair]bool)
	var contexts []client.ProposedContext
	for _, art := range artifacts {
		p := pair{art.SOPClassUID, art.TransferSyntaxUID}
		if seen[p] {
			continue
		}
		seen[p] = true
		contexts = append(contexts, client.ProposedContext{
			AbstractSyntax:   art.SOPClassUID,
			TransferSyntaxes: []string{art.TransferSyntaxUID},
		})
	}
	return contexts
}
