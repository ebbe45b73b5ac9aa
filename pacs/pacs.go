package pacs

import (
	"fmt"
	"io"

	"github.com/caio-sobreiro/tinypacs/component"
	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/database"
	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/storage"
	"github.com/caio-sobreiro/tinypacs/types"
)

// PACS is the query/index engine component.
type PACS struct {
	*component.Base
}

// New creates the engine and registers its channels.
func New(bus *eventbus.Bus, cfg config.ComponentConfig) *PACS {
	p := &PACS{}
	p.Base = component.New(config.ComponentPACS, bus, cfg, component.Hooks{})

	p.Subscribe(eventbus.DBGetTables, "tables", func(args ...any) (any, error) {
		dialect := database.DialectSQLite
		if len(args) == 1 {
			if d, ok := args[0].(database.Dialect); ok {
				dialect = d
			}
		}
		return tables(dialect), nil
	})

	p.Subscribe(eventbus.OnReceiveStore, "store", p.onReceiveStore)
	p.Subscribe(eventbus.OnReceiveFind, "find", p.onReceiveFind)
	p.Subscribe(eventbus.OnReceiveMove, "move", p.onReceiveMove)
	p.Subscribe(eventbus.OnReceiveGet, "get", p.onReceiveGet)
	p.Subscribe(eventbus.OnReceiveCommitment, "commitment", p.onReceiveCommitment)
	return p
}

// atomic fetches the transaction runner from the database component.
func (p *PACS) atomic() (database.Atomic, error) {
	v, err := p.SendOne(eventbus.DBAtomic)
	if err != nil {
		return nil, err
	}
	atomic, ok := v.(database.Atomic)
	if !ok {
		return nil, fmt.Errorf("pacs: db-atomic returned %T", v)
	}
	return atomic, nil
}

// dialect asks the database component for its SQL flavor.
func (p *PACS) dialect() database.Dialect {
	v, err := p.SendOne(eventbus.DBDialect)
	if err != nil {
		return database.DialectSQLite
	}
	if d, ok := v.(database.Dialect); ok {
		return d
	}
	return database.DialectSQLite
}

// onReceiveStore indexes one received instance. The data set is re-read from
// the storage sink, starting at the data set offset. Returns a DIMSE status.
func (p *PACS) onReceiveStore(args ...any) (any, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("pacs: on-receive-store expects (meta, command, sink, start)")
	}
	meta, ok1 := args[0].(*interfaces.MessageContext)
	msg, ok2 := args[1].(*types.Message)
	sink, ok3 := args[2].(interfaces.StoreSink)
	start, ok4 := args[3].(int64)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("pacs: on-receive-store expects (meta, command, sink, start)")
	}

	status, err := p.indexInstance(meta, sink, start)
	if err != nil {
		p.Logger.Error("Indexing stored instance failed",
			"sop_instance_uid", msg.AffectedSOPInstanceUID, "error", err)
	}
	if status == types.StatusSuccess {
		p.BroadcastNothrow(eventbus.OnStoreDone, msg)
	} else {
		p.BroadcastNothrow(eventbus.OnStoreFailure, msg)
	}
	return status, nil
}

func (p *PACS) indexInstance(meta *interfaces.MessageContext, sink interfaces.StoreSink, start int64) (uint16, error) {
	if _, err := sink.Seek(start, io.SeekStart); err != nil {
		return types.StatusFailure, err
	}
	raw, err := io.ReadAll(sink)
	if err != nil {
		return types.StatusFailure, err
	}
	// Header-only parse: indexing never needs the bulk Pixel Data.
	ds, err := dicom.ParseDatasetHeader(raw, meta.TransferSyntaxUID)
	if err != nil {
		// C-STORE "cannot understand"
		return 0xC000, err
	}
	if err := p.cStore(ds, meta.TransferSyntaxUID); err != nil {
		return types.StatusFailure, err
	}
	return types.StatusSuccess, nil
}

// onReceiveFind answers a C-FIND request with the matching data sets.
func (p *PACS) onReceiveFind(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("pacs: on-receive-find expects (meta, dataset)")
	}
	ds, ok := args[1].(*dicom.Dataset)
	if !ok {
		return nil, fmt.Errorf("pacs: on-receive-find expects a dataset, got %T", args[1])
	}
	return p.cFind(ds)
}

// onReceiveMove resolves a C-MOVE request to the artifacts to forward.
func (p *PACS) onReceiveMove(args ...any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("pacs: on-receive-move expects (meta, dataset, destination)")
	}
	ds, ok := args[1].(*dicom.Dataset)
	if !ok {
		return nil, fmt.Errorf("pacs: on-receive-move expects a dataset, got %T", args[1])
	}
	return p.artifactsFor(ds)
}

// onReceiveGet resolves a C-GET request to the artifacts to send back.
func (p *PACS) onReceiveGet(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("pacs: on-receive-get expects (meta, dataset)")
	}
	ds, ok := args[1].(*dicom.Dataset)
	if !ok {
		return nil, fmt.Errorf("pacs: on-receive-get expects a dataset, got %T", args[1])
	}
	return p.artifactsFor(ds)
}

func (p *PACS) artifactsFor(ds *dicom.Dataset) ([]storage.Artifact, error) {
	uids, err := p.findInstanceUIDs(ds)
	if err != nil {
		return nil, err
	}
	results, err := p.Broadcast(eventbus.OnStoreGetFiles, uids)
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

// onReceiveCommitment checks which referenced instances are safely stored.
func (p *PACS) onReceiveCommitment(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("pacs: on-receive-commitment expects a SOP reference list")
	}
	refs, ok := args[0].([]types.SOPReference)
	if !ok {
		return nil, fmt.Errorf("pacs: on-receive-commitment expects a SOP reference list, got %T", args[0])
	}
	v, err := p.SendOne(eventbus.OnStoreVerify, refs)
	if err != nil {
		return nil, err
	}
	result, ok := v.(storage.VerifyResult)
	if !ok {
		return nil, fmt.Errorf("pacs: on-store-verify returned %T", v)
	}
	return result, nil
}
