// Package storage provides the instance storage backends. Every backend
// shares one index table that tracks each received instance; an instance is
// visible to retrieval and commitment only after the whole data set landed
// and the store was acknowledged (is_stored = 1).
package storage

import (
	"database/sql"
	"fmt"

	"github.com/caio-sobreiro/tinypacs/component"
	"github.com/caio-sobreiro/tinypacs/database"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/types"
)

// Artifact is one retrievable stored instance. Data holds the data set bytes
// with the Part 10 header already stripped, encoded in TransferSyntaxUID.
type Artifact struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Data              []byte
}

// NewFile is handed out on the on-store-get-file channel. The sink is
// positioned right after the Part 10 header; Start is the offset where the
// data set begins.
type NewFile struct {
	Sink  interfaces.StoreSink
	Start int64
}

// VerifyResult partitions a commitment request's references into safely
// stored and not.
type VerifyResult struct {
	Success []types.SOPReference
	Failed  []types.SOPReference
}

// fileRow mirrors one storage_files record.
type fileRow struct {
	SOPInstanceUID string
	SOPClassUID    string
	TransferSyntax string
	FileName       string
}

// base carries the index logic shared by all backends.
type base struct {
	*component.Base
}

// tables returns the index DDL for the db-get-tables broadcast.
func tables(dialect database.Dialect) []string {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == database.DialectPostgres {
		id = "id SERIAL PRIMARY KEY"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS storage_files (
			%s,
			sop_instance_uid TEXT NOT NULL UNIQUE,
			sop_class_uid TEXT NOT NULL,
			transfer_syntax TEXT NOT NULL,
			file_name TEXT NOT NULL,
			added TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_stored INTEGER NOT NULL DEFAULT 0
		)`, id),
		`CREATE INDEX IF NOT EXISTS idx_storage_files_sop_class_uid
			ON storage_files (sop_class_uid)`,
	}
}

// atomic fetches the transaction runner from the database component.
func (b *base) atomic() (database.Atomic, error) {
	v, err := b.SendOne(eventbus.DBAtomic)
	if err != nil {
		return nil, err
	}
	atomic, ok := v.(database.Atomic)
	if !ok {
		return nil, fmt.Errorf("storage: db-atomic returned %T", v)
	}
	return atomic, nil
}

// insertFile records an incoming instance as pending (is_stored = 0). A
// repeat store of a known instance repoints the record at the new file and
// hides the instance until the new copy is acknowledged.
func (b *base) insertFile(uid, classUID, transferSyntax, fileName string) error {
	atomic, err := b.atomic()
	if err != nil {
		return err
	}
	return atomic(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO storage_files
			(sop_instance_uid, sop_class_uid, transfer_syntax, file_name)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (sop_instance_uid) DO UPDATE SET
				sop_class_uid = excluded.sop_class_uid,
				transfer_syntax = excluded.transfer_syntax,
				file_name = excluded.file_name,
				is_stored = 0`,
			uid, classUID, transferSyntax, fileName)
		return err
	})
}

// markStored flips the instance to visible.
func (b *base) markStored(uid string) error {
	atomic, err := b.atomic()
	if err != nil {
		return err
	}
	return atomic(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE storage_files SET is_stored = 1
			WHERE sop_instance_uid = ?`, uid)
		return err
	})
}

// removeFile drops the index record of a failed store.
func (b *base) removeFile(uid string) error {
	atomic, err := b.atomic()
	if err != nil {
		return err
	}
	return atomic(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM storage_files WHERE sop_instance_uid = ?`, uid)
		return err
	})
}

// findFiles returns the stored records for the given instance UIDs. Pending
// and unknown instances are silently absent from the result.
func (b *base) findFiles(uids []string) ([]fileRow, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	atomic, err := b.atomic()
	if err != nil {
		return nil, err
	}
	var rows []fileRow
	err = atomic(func(tx *sql.Tx) error {
		for _, uid := range uids {
			var row fileRow
			err := tx.QueryRow(`SELECT sop_instance_uid, sop_class_uid, transfer_syntax, file_name
				FROM storage_files
				WHERE sop_instance_uid = ? AND is_stored = 1`, uid).
				Scan(&row.SOPInstanceUID, &row.SOPClassUID, &row.TransferSyntax, &row.FileName)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// verify checks each reference against the index. A reference succeeds only
// when the instance is stored and its SOP class matches.
func (b *base) verify(refs []types.SOPReference) (VerifyResult, error) {
	var result VerifyResult
	atomic, err := b.atomic()
	if err != nil {
		return result, err
	}
	err = atomic(func(tx *sql.Tx) error {
		for _, ref := range refs {
			var classUID string
			err := tx.QueryRow(`SELECT sop_class_uid FROM storage_files
				WHERE sop_instance_uid = ? AND is_stored = 1`, ref.InstanceUID).
				Scan(&classUID)
			switch {
			case err == sql.ErrNoRows:
				result.Failed = append(result.Failed, ref)
			case err != nil:
				return err
			case ref.ClassUID != "" && classUID != ref.ClassUID:
				result.Failed = append(result.Failed, ref)
			default:
				result.Success = append(result.Success, ref)
			}
		}
		return nil
	})
	return result, err
}

// uidsArg normalizes the on-store-get-files argument.
func uidsArg(args []any) ([]string, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("storage: expected a UID list")
	}
	uids, ok := args[0].([]string)
	if !ok {
		return nil, fmt.Errorf("storage: expected a UID list, got %T", args[0])
	}
	return uids, nil
}

// refsArg normalizes the on-store-verify argument.
func refsArg(args []any) ([]types.SOPReference, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("storage: expected a SOP reference list")
	}
	refs, ok := args[0].([]types.SOPReference)
	if !ok {
		return nil, fmt.Errorf("storage: expected a SOP reference list, got %T", args[0])
	}
	return refs, nil
}

// getFileArgs normalizes the on-store-get-file arguments.
func getFileArgs(args []any) (*interfaces.MessageContext, *types.Message, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("storage: expected message context and command")
	}
	meta, ok := args[0].(*interfaces.MessageContext)
	if !ok {
		return nil, nil, fmt.Errorf("storage: expected message context, got %T", args[0])
	}
	msg, ok := args[1].(*types.Message)
	if !ok {
		return nil, nil, fmt.Errorf("storage: expected command message, got %T", args[1])
	}
	if msg.AffectedSOPInstanceUID == "" {
		return nil, nil, fmt.Errorf("storage: store command without SOP instance UID")
	}
	return meta, msg, nil
}

// messageArg normalizes the on-store-done / on-store-failure argument.
func messageArg(args []any) (*types.Message, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("storage: expected command message")
	}
	msg, ok := args[0].(*types.Message)
	if !ok {
		return nil, fmt.Errorf("storage: expected command message, got %T", args[0])
	}
	return msg, nil
}
