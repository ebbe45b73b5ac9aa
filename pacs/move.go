package pacs

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/caio-sobreiro/tinypacs/dicom"
)

// findInstanceUIDs resolves a retrieve identifier to the SOP Instance UIDs it
// selects. Each identifier present in the request narrows the selection by
// membership at its own level; the query always reaches down to instances.
func (p *PACS) findInstanceUIDs(ds *dicom.Dataset) ([]string, error) {
	identityTags := map[*level]dicom.Tag{
		patientLevel: tagPatientID,
		studyLevel:   tagStudyInstanceUID,
		seriesLevel:  tagSeriesInstanceUID,
		imageLevel:   tagSOPInstanceUID,
	}

	var where []string
	var args []any
	minRank := imageLevel.Rank
	for _, l := range hierarchy {
		values := nonEmpty(ds.GetStrings(identityTags[l]))
		if len(values) == 0 {
			continue
		}
		if l.Rank < minRank {
			minRank = l.Rank
		}
		column := l.Table + "." + l.Mapping[identityTags[l]].Column
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		where = append(where, fmt.Sprintf("%s IN (%s)", column, placeholders))
		for _, v := range values {
			args = append(args, v)
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT instances.sop_instance_uid FROM instances")
	for r := imageLevel.Rank; r > minRank; r-- {
		child, parent := hierarchy[r], hierarchy[r-1]
		fmt.Fprintf(&sb, " JOIN %s ON %s.%s = %s.id",
			parent.Table, child.Table, child.ChildFK, parent.Table)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY instances.id")

	atomic, err := p.atomic()
	if err != nil {
		return nil, err
	}
	var uids []string
	err = atomic(func(tx *sql.Tx) error {
		rows, err := tx.Query(sb.String(), args...)
		if err != nil {
			return fmt.Errorf("pacs: retrieve query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var uid string
			if err := rows.Scan(&uid); err != nil {
				return err
			}
			uids = append(uids, uid)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}
