// Package pacs implements the hierarchical Patient / Study / Series /
// Instance index and the query engine behind C-FIND, C-MOVE, C-GET and
// storage commitment.
package pacs

import (
	"fmt"

	"github.com/caio-sobreiro/tinypacs/database"
	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/types"
)

// attribute maps one DICOM tag to its indexed column.
type attribute struct {
	Column string
	VR     string
}

// level is one rung of the query hierarchy. Levels are ordered root-first;
// rank 0 is Patient.
type level struct {
	Name     types.QueryLevel
	Table    string
	IDTag    dicom.Tag
	Mapping  map[dicom.Tag]attribute
	Rank     int
	ChildFK  string // column on this level's table referencing the parent
}

var (
	patientLevel = &level{
		Name:  types.QueryLevelPatient,
		Table: "patients",
		IDTag: dicom.Tag{Group: 0x0010, Element: 0x0020},
		Rank:  0,
		Mapping: map[dicom.Tag]attribute{
			{Group: 0x0010, Element: 0x0010}: {"patient_name", dicom.VR_PN},
			{Group: 0x0010, Element: 0x0020}: {"patient_id", dicom.VR_LO},
			{Group: 0x0010, Element: 0x0021}: {"issuer_of_patient_id", dicom.VR_LO},
			{Group: 0x0010, Element: 0x0030}: {"patient_birth_date", dicom.VR_DA},
			{Group: 0x0010, Element: 0x0032}: {"patient_birth_time", dicom.VR_TM},
			{Group: 0x0010, Element: 0x0040}: {"patient_sex", dicom.VR_CS},
			{Group: 0x0010, Element: 0x1001}: {"other_patient_names", dicom.VR_PN},
			{Group: 0x0010, Element: 0x2160}: {"ethnic_group", dicom.VR_SH},
			{Group: 0x0010, Element: 0x4000}: {"patient_comments", dicom.VR_LT},
		},
	}

	studyLevel = &level{
		Name:    types.QueryLevelStudy,
		Table:   "studies",
		IDTag:   dicom.Tag{Group: 0x0020, Element: 0x000D},
		Rank:    1,
		ChildFK: "patient_fk",
		Mapping: map[dicom.Tag]attribute{
			{Group: 0x0008, Element: 0x0020}: {"study_date", dicom.VR_DA},
			{Group: 0x0008, Element: 0x0030}: {"study_time", dicom.VR_TM},
			{Group: 0x0008, Element: 0x0050}: {"accession_number", dicom.VR_SH},
			{Group: 0x0020, Element: 0x0010}: {"study_id", dicom.VR_SH},
			{Group: 0x0020, Element: 0x000D}: {"study_instance_uid", dicom.VR_UI},
			{Group: 0x0008, Element: 0x1030}: {"study_description", dicom.VR_LO},
			{Group: 0x0008, Element: 0x0090}: {"referring_physician_name", dicom.VR_PN},
			{Group: 0x0008, Element: 0x1060}: {"name_of_physicians_reading_study", dicom.VR_PN},
			{Group: 0x0008, Element: 0x1080}: {"admitting_diagnoses_description", dicom.VR_LO},
			{Group: 0x0010, Element: 0x1010}: {"patient_age", dicom.VR_AS},
			{Group: 0x0010, Element: 0x1020}: {"patient_size", dicom.VR_DS},
			{Group: 0x0010, Element: 0x1030}: {"patient_weight", dicom.VR_DS},
			{Group: 0x0010, Element: 0x2180}: {"occupation", dicom.VR_SH},
			{Group: 0x0010, Element: 0x21B0}: {"additional_patient_history", dicom.VR_LT},
		},
	}

	seriesLevel = &level{
		Name:    types.QueryLevelSeries,
		Table:   "series",
		IDTag:   dicom.Tag{Group: 0x0020, Element: 0x000E},
		Rank:    2,
		ChildFK: "study_fk",
		Mapping: map[dicom.Tag]attribute{
			{Group: 0x0008, Element: 0x0060}: {"modality", dicom.VR_CS},
			{Group: 0x0020, Element: 0x0011}: {"series_number", dicom.VR_IS},
			{Group: 0x0020, Element: 0x000E}: {"series_instance_uid", dicom.VR_UI},
		},
	}

	imageLevel = &level{
		Name:    types.QueryLevelImage,
		Table:   "instances",
		IDTag:   dicom.Tag{Group: 0x0008, Element: 0x0018},
		Rank:    3,
		ChildFK: "series_fk",
		Mapping: map[dicom.Tag]attribute{
			{Group: 0x0020, Element: 0x0013}: {"instance_number", dicom.VR_IS},
			{Group: 0x0008, Element: 0x0018}: {"sop_instance_uid", dicom.VR_UI},
			{Group: 0x0008, Element: 0x0016}: {"sop_class_uid", dicom.VR_UI},
			{Group: 0x0040, Element: 0x0512}: {"container_identifier", dicom.VR_LO},
		},
	}

	// hierarchy is ordered root-first.
	hierarchy = []*level{patientLevel, studyLevel, seriesLevel, imageLevel}
)

// levelByName resolves the QueryRetrieveLevel attribute.
func levelByName(name string) (*level, error) {
	for _, l := range hierarchy {
		if l.Name == types.QueryLevel(name) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("pacs: unknown query retrieve level %q", name)
}

// Frequently used tags.
var (
	tagQueryRetrieveLevel   = dicom.Tag{Group: 0x0008, Element: 0x0052}
	tagSpecificCharacterSet = dicom.Tag{Group: 0x0008, Element: 0x0005}
	tagPatientID            = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagStudyInstanceUID     = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID    = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagSOPInstanceUID       = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagSOPClassUID          = dicom.Tag{Group: 0x0008, Element: 0x0016}

	tagModalitiesInStudy               = dicom.Tag{Group: 0x0008, Element: 0x0061}
	tagSOPClassesInStudy               = dicom.Tag{Group: 0x0008, Element: 0x0062}
	tagOtherStudyNumbers               = dicom.Tag{Group: 0x0020, Element: 0x1070}
	tagNumberOfPatientRelatedStudies   = dicom.Tag{Group: 0x0020, Element: 0x1200}
	tagNumberOfPatientRelatedSeries    = dicom.Tag{Group: 0x0020, Element: 0x1202}
	tagNumberOfPatientRelatedInstances = dicom.Tag{Group: 0x0020, Element: 0x1204}
	tagNumberOfStudyRelatedSeries      = dicom.Tag{Group: 0x0020, Element: 0x1206}
	tagNumberOfStudyRelatedInstances   = dicom.Tag{Group: 0x0020, Element: 0x1208}
	tagNumberOfSeriesRelatedInstances  = dicom.Tag{Group: 0x0020, Element: 0x1209}
)

// defaultCharacterSet is used when the request carries none.
const defaultCharacterSet = "ISO-IR 6"

// excludedAttrs are never used as filters: control attributes and the
// aggregates computed by the engine.
var excludedAttrs = map[dicom.Tag]bool{
	tagQueryRetrieveLevel:              true,
	tagSpecificCharacterSet:            true,
	tagModalitiesInStudy:               true,
	tagSOPClassesInStudy:               true,
	tagOtherStudyNumbers:               true,
	tagNumberOfPatientRelatedStudies:   true,
	tagNumberOfPatientRelatedSeries:    true,
	tagNumberOfPatientRelatedInstances: true,
	tagNumberOfStudyRelatedSeries:      true,
	tagNumberOfStudyRelatedInstances:   true,
	tagNumberOfSeriesRelatedInstances:  true,
}

// textVRs are matched with wildcard LIKE semantics.
var textVRs = map[string]bool{
	dicom.VR_AE: true, dicom.VR_CS: true, dicom.VR_LO: true, dicom.VR_LT: true,
	dicom.VR_PN: true, dicom.VR_SH: true, dicom.VR_ST: true, dicom.VR_UC: true,
	dicom.VR_UR: true, dicom.VR_UT: true, dicom.VR_UI: true,
}

// rangeVRs support start-end ranges.
var rangeVRs = map[string]bool{
	dicom.VR_DA: true, dicom.VR_TM: true, dicom.VR_DT: true,
}

// tables returns the index DDL for the db-get-tables broadcast. Every
// queryable attribute carries an index; identities are unique.
func tables(dialect database.Dialect) []string {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == database.DialectPostgres {
		id = "id SERIAL PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS patients (
			%s,
			patient_name TEXT,
			patient_id TEXT NOT NULL UNIQUE,
			issuer_of_patient_id TEXT,
			patient_birth_date TEXT,
			patient_birth_time TEXT,
			patient_sex TEXT,
			other_patient_names TEXT,
			ethnic_group TEXT,
			patient_comments TEXT
		)`, id),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS studies (
			%s,
			patient_fk INTEGER NOT NULL REFERENCES patients (id),
			study_date TEXT,
			study_time TEXT,
			accession_number TEXT,
			study_id TEXT,
			study_instance_uid TEXT NOT NULL UNIQUE,
			study_description TEXT,
			referring_physician_name TEXT,
			name_of_physicians_reading_study TEXT,
			admitting_diagnoses_description TEXT,
			patient_age TEXT,
			patient_size TEXT,
			patient_weight TEXT,
			occupation TEXT,
			additional_patient_history TEXT
		)`, id),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS series (
			%s,
			study_fk INTEGER NOT NULL REFERENCES studies (id),
			modality TEXT,
			series_number TEXT,
			series_instance_uid TEXT NOT NULL UNIQUE
		)`, id),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS instances (
			%s,
			series_fk INTEGER NOT NULL REFERENCES series (id),
			instance_number TEXT,
			sop_instance_uid TEXT NOT NULL UNIQUE,
			sop_class_uid TEXT,
			transfer_syntax_uid TEXT,
			container_identifier TEXT
		)`, id),
	}

	for _, l := range hierarchy {
		identity := l.Mapping[l.IDTag].Column
		for _, attr := range l.Mapping {
			if attr.Column == identity {
				continue // unique constraint already indexes it
			}
			stmts = append(stmts, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)`,
				l.Table, attr.Column, l.Table, attr.Column))
		}
	}
	stmts = append(stmts,
		`CREATE INDEX IF NOT EXISTS idx_studies_patient_fk ON studies (patient_fk)`,
		`CREATE INDEX IF NOT EXISTS idx_series_study_fk ON series (study_fk)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_series_fk ON instances (series_fk)`,
	)
	return stmts
}
