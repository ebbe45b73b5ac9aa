// Package ae is the DIMSE front-end: it validates incoming associations
// against the configured AE titles and routes each DIMSE operation to the
// components behind the event bus.
package ae

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/dimse"
	"github.com/caio-sobreiro/tinypacs/errors"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/services"
)

// AE binds the DIMSE service handlers to the event bus.
type AE struct {
	bus      *eventbus.Bus
	cfg      config.AEConfig
	registry *services.Registry
	logger   *slog.Logger
}

// New wires the front-end: one handler per supported DIMSE operation plus
// the get-main-aet channel.
func New(bus *eventbus.Bus, cfg config.AEConfig) *AE {
	a := &AE{
		bus:    bus,
		cfg:    cfg,
		logger: slog.Default().With("component", "AE"),
	}

	a.registry = services.NewRegistry()
	a.registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService())
	a.registry.RegisterHandler(dimse.CStoreRQ, &storeHandler{ae: a})
	a.registry.RegisterHandler(dimse.CFindRQ, &findHandler{ae: a})
	a.registry.RegisterHandler(dimse.CMoveRQ, &moveHandler{ae: a})
	a.registry.RegisterHandler(dimse.CGetRQ, &getHandler{ae: a})
	a.registry.RegisterHandler(dimse.NActionRQ, &commitmentHandler{ae: a})

	bus.Subscribe(eventbus.GetMainAET, "AE/main-aet", func(args ...any) (any, error) {
		return a.MainAET(), nil
	}, eventbus.DefaultPriority)

	return a
}

// MainAET returns the primary (first configured) AE title.
func (a *AE) MainAET() string {
	return a.cfg.AETitle[0]
}

// Handler returns the DIMSE handler to mount on the server.
func (a *AE) Handler() interfaces.ServiceHandler {
	return a.registry
}

// ValidateAssociation announces the association on the bus and checks the
// called AE title against the configured list.
func (a *AE) ValidateAssociation(info *interfaces.AssociationInfo) error {
	a.bus.BroadcastNothrow(eventbus.OnAssocRequest, info)

	for _, aet := range a.cfg.AETitle {
		if aet == info.CalledAETitle {
			return nil
		}
	}
	return errors.NewAssociationError(
		errors.RejectSourceServiceUser,
		errors.RejectReasonCalledAETitleNotRecognized,
		fmt.Sprintf("called AE title %q not recognized", info.CalledAETitle),
	)
}

// parseDataset decodes an incoming data set, optionally dumping it to the
// debug log when ae.dump_ds is enabled.
func (a *AE) parseDataset(data []byte, meta interfaces.MessageContext) (*dicom.Dataset, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
	if err != nil {
		return nil, err
	}
	if a.cfg.DumpDS {
		a.dumpDataset(ds)
	}
	return ds, nil
}

func (a *AE) dumpDataset(ds *dicom.Dataset) {
	tags := make([]dicom.Tag, 0, len(ds.Elements))
	for tag := range ds.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	for _, tag := range tags {
		el := ds.Elements[tag]
		a.logger.Debug("DS", "tag", tag.String(), "vr", el.VR, "value", el.Value)
	}
}
