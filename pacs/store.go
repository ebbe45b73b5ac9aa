package pacs

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/caio-sobreiro/tinypacs/dicom"
)

// cStore projects one instance into the hierarchy. All four upserts run in a
// single transaction; each level is keyed on its identity attribute alone,
// and an existing row is left untouched even when the incoming attribute
// values differ.
func (p *PACS) cStore(ds *dicom.Dataset, transferSyntaxUID string) error {
	for _, l := range hierarchy[1:] {
		if ds.GetString(l.IDTag) == "" {
			return fmt.Errorf("pacs: instance without %s identity %s", l.Name, l.IDTag)
		}
	}

	atomic, err := p.atomic()
	if err != nil {
		return err
	}
	return atomic(func(tx *sql.Tx) error {
		patientID, err := upsertEntity(tx, patientLevel, ds, 0, nil, nil)
		if err != nil {
			return err
		}
		studyID, err := upsertEntity(tx, studyLevel, ds, patientID, nil, nil)
		if err != nil {
			return err
		}
		seriesID, err := upsertEntity(tx, seriesLevel, ds, studyID, nil, nil)
		if err != nil {
			return err
		}
		_, err = upsertEntity(tx, imageLevel, ds, seriesID,
			[]string{"transfer_syntax_uid"}, []any{transferSyntaxUID})
		return err
	})
}

// upsertEntity returns the row id for the data set's identity at this level,
// inserting a new row when none exists.
func upsertEntity(tx *sql.Tx, l *level, ds *dicom.Dataset, parentID int64, extraCols []string, extraVals []any) (int64, error) {
	identity := ds.GetString(l.IDTag)
	idColumn := l.Mapping[l.IDTag].Column

	var id int64
	err := tx.QueryRow(
		fmt.Sprintf(`SELECT id FROM %s WHERE %s = ?`, l.Table, idColumn), identity,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("pacs: looking up %s %q: %w", l.Name, identity, err)
	}

	// Deterministic column order keeps the statement stable.
	tags := make([]dicom.Tag, 0, len(l.Mapping))
	for tag := range l.Mapping {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tagLess(tags[i], tags[j]) })

	cols := make([]string, 0, len(tags)+2)
	vals := make([]any, 0, len(tags)+2)
	for _, tag := range tags {
		cols = append(cols, l.Mapping[tag].Column)
		vals = append(vals, ds.GetString(tag))
	}
	if l.ChildFK != "" {
		cols = append(cols, l.ChildFK)
		vals = append(vals, parentID)
	}
	cols = append(cols, extraCols...)
	vals = append(vals, extraVals...)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	res, err := tx.Exec(
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			l.Table, strings.Join(cols, ", "), placeholders),
		vals...)
	if err != nil {
		return 0, fmt.Errorf("pacs: inserting %s %q: %w", l.Name, identity, err)
	}
	return res.LastInsertId()
}

func tagLess(a, b dicom.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}
