package storage

import (
	"database/sql"
	"fmt"
	"io"

	"github.com/caio-sobreiro/tinypacs/database"
	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/types"
)

// backendOps is the part of a storage backend that differs per medium. The
// index logic and channel wiring are shared.
type backendOps interface {
	// createSink allocates the destination for one incoming instance and
	// returns it together with the file name recorded in the index.
	createSink(msg *types.Message) (interfaces.StoreSink, string, error)

	// openArtifact reads the raw Part 10 bytes of a stored instance. It
	// returns an error for instances this backend does not hold.
	openArtifact(row fileRow) ([]byte, error)

	// discard drops the data of a failed or abandoned store.
	discard(fileName string) error
}

// register wires the shared storage channels for one backend.
func register(b *base, ops backendOps) {
	b.Subscribe(eventbus.DBGetTables, "tables", func(args ...any) (any, error) {
		dialect := database.DialectSQLite
		if len(args) == 1 {
			if d, ok := args[0].(database.Dialect); ok {
				dialect = d
			}
		}
		return tables(dialect), nil
	})

	b.Subscribe(eventbus.OnStoreGetFile, "get-file", func(args ...any) (any, error) {
		meta, msg, err := getFileArgs(args)
		if err != nil {
			return nil, err
		}
		prev, hadPrev, err := b.lookup(msg.AffectedSOPInstanceUID)
		if err != nil {
			return nil, err
		}
		sink, fileName, err := ops.createSink(msg)
		if err != nil {
			return nil, err
		}
		start, err := dicom.WriteMeta(sink, msg.AffectedSOPClassUID, msg.AffectedSOPInstanceUID, meta.TransferSyntaxUID)
		if err != nil {
			closeSink(sink)
			ops.discard(fileName)
			return nil, fmt.Errorf("storage: writing file meta: %w", err)
		}
		if err := b.insertFile(msg.AffectedSOPInstanceUID, msg.AffectedSOPClassUID, meta.TransferSyntaxUID, fileName); err != nil {
			closeSink(sink)
			ops.discard(fileName)
			return nil, err
		}
		// A repeat store supersedes the previous copy. The upsert repointed
		// the index row at the new file; drop the old one so it cannot be
		// orphaned on disk.
		if hadPrev && prev.FileName != fileName {
			if err := ops.discard(prev.FileName); err != nil {
				b.Logger.Warn("Discarding superseded copy", "file", prev.FileName, "error", err)
			}
		}
		b.Logger.Debug("Receiving instance",
			"sop_instance_uid", msg.AffectedSOPInstanceUID,
			"file", fileName)
		return NewFile{Sink: sink, Start: start}, nil
	})

	b.Subscribe(eventbus.OnStoreDone, "store-done", func(args ...any) (any, error) {
		msg, err := messageArg(args)
		if err != nil {
			return nil, err
		}
		return nil, b.markStored(msg.AffectedSOPInstanceUID)
	})

	b.Subscribe(eventbus.OnStoreFailure, "store-failure", func(args ...any) (any, error) {
		msg, err := messageArg(args)
		if err != nil {
			return nil, err
		}
		row, found, err := b.lookup(msg.AffectedSOPInstanceUID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		if err := b.removeFile(msg.AffectedSOPInstanceUID); err != nil {
			return nil, err
		}
		if err := ops.discard(row.FileName); err != nil {
			b.Logger.Warn("Discarding failed store", "file", row.FileName, "error", err)
		}
		return nil, nil
	})

	b.Subscribe(eventbus.OnStoreGetFiles, "get-files", func(args ...any) (any, error) {
		uids, err := uidsArg(args)
		if err != nil {
			return nil, err
		}
		rows, err := b.findFiles(uids)
		if err != nil {
			return nil, err
		}
		var artifacts []Artifact
		for _, row := range rows {
			raw, err := ops.openArtifact(row)
			if err != nil {
				// Another backend may hold this instance.
				continue
			}
			data, err := dicom.StripPart10Header(raw)
			if err != nil {
				b.Logger.Error("Stored file is not Part 10", "file", row.FileName, "error", err)
				continue
			}
			artifacts = append(artifacts, Artifact{
				SOPClassUID:       row.SOPClassUID,
				SOPInstanceUID:    row.SOPInstanceUID,
				TransferSyntaxUID: row.TransferSyntax,
				Data:              data,
			})
		}
		return artifacts, nil
	})

	b.Subscribe(eventbus.OnStoreVerify, "verify", func(args ...any) (any, error) {
		refs, err := refsArg(args)
		if err != nil {
			return nil, err
		}
		result, err := b.verify(refs)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// lookup fetches a record regardless of its stored flag.
func (b *base) lookup(uid string) (fileRow, bool, error) {
	atomic, err := b.atomic()
	if err != nil {
		return fileRow{}, false, err
	}
	var row fileRow
	found := false
	err = atomic(func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT sop_instance_uid, sop_class_uid, transfer_syntax, file_name
			FROM storage_files WHERE sop_instance_uid = ?`, uid).
			Scan(&row.SOPInstanceUID, &row.SOPClassUID, &row.TransferSyntax, &row.FileName)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return row, found, err
}

func closeSink(sink interfaces.StoreSink) {
	if c, ok := sink.(io.Closer); ok {
		c.Close()
	}
}
