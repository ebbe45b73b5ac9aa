package pacs

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/caio-sobreiro/tinypacs/database"
	"github.com/caio-sobreiro/tinypacs/dicom"
)

// aggregate is a computed response attribute spanning child levels.
type aggregate struct {
	homeRank int // level the aggregate is valid at
	joinRank int // deepest child level it needs
	vr       string
	dedupe   bool // multi-valued result, de-duplicated on emission
	expr     func(d database.Dialect) string
}

var aggregates = map[dicom.Tag]aggregate{
	tagModalitiesInStudy: {
		homeRank: 1, joinRank: 2, vr: dicom.VR_CS, dedupe: true,
		expr: func(d database.Dialect) string {
			return database.StringAgg(d, "series.modality", `\`)
		},
	},
	tagSOPClassesInStudy: {
		homeRank: 1, joinRank: 3, vr: dicom.VR_UI, dedupe: true,
		expr: func(d database.Dialect) string {
			return database.StringAgg(d, "instances.sop_class_uid", `\`)
		},
	},
	tagNumberOfPatientRelatedStudies: {
		homeRank: 0, joinRank: 1, vr: dicom.VR_IS,
		expr: func(database.Dialect) string { return "COUNT(DISTINCT studies.id)" },
	},
	tagNumberOfPatientRelatedSeries: {
		homeRank: 0, joinRank: 2, vr: dicom.VR_IS,
		expr: func(database.Dialect) string { return "COUNT(DISTINCT series.id)" },
	},
	tagNumberOfPatientRelatedInstances: {
		homeRank: 0, joinRank: 3, vr: dicom.VR_IS,
		expr: func(database.Dialect) string { return "COUNT(DISTINCT instances.id)" },
	},
	tagNumberOfStudyRelatedSeries: {
		homeRank: 1, joinRank: 2, vr: dicom.VR_IS,
		expr: func(database.Dialect) string { return "COUNT(DISTINCT series.id)" },
	},
	tagNumberOfStudyRelatedInstances: {
		homeRank: 1, joinRank: 3, vr: dicom.VR_IS,
		expr: func(database.Dialect) string { return "COUNT(DISTINCT instances.id)" },
	},
	tagNumberOfSeriesRelatedInstances: {
		homeRank: 2, joinRank: 3, vr: dicom.VR_IS,
		expr: func(database.Dialect) string { return "COUNT(DISTINCT instances.id)" },
	},
}

// planItem is one SQL-backed response attribute.
type planItem struct {
	tag    dicom.Tag
	vr     string
	expr   string
	dedupe bool
}

// echoItem is a requested attribute the engine cannot fill; it is echoed
// back empty.
type echoItem struct {
	tag dicom.Tag
	vr  string
}

// cFind translates a C-FIND request into one SQL query over the hierarchy
// and encodes each row as a response data set mirroring the request's tags.
func (p *PACS) cFind(ds *dicom.Dataset) ([]*dicom.Dataset, error) {
	target, err := levelByName(ds.GetString(tagQueryRetrieveLevel))
	if err != nil {
		return nil, err
	}
	charset := ds.GetString(tagSpecificCharacterSet)
	if charset == "" {
		charset = defaultCharacterSet
	}
	dialect := p.dialect()

	tags := make([]dicom.Tag, 0, len(ds.Elements))
	for tag := range ds.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tagLess(tags[i], tags[j]) })

	var (
		selects []planItem
		echoes  []echoItem
		where   []string
		args    []any
	)
	minRank, maxRank := target.Rank, target.Rank

	for _, tag := range tags {
		if tag == tagQueryRetrieveLevel || tag == tagSpecificCharacterSet {
			continue
		}
		elem := ds.Elements[tag]

		if agg, ok := aggregates[tag]; ok {
			if agg.homeRank != target.Rank {
				echoes = append(echoes, echoItem{tag, agg.vr})
				continue
			}
			selects = append(selects, planItem{tag, agg.vr, agg.expr(dialect), agg.dedupe})
			if agg.joinRank > maxRank {
				maxRank = agg.joinRank
			}
			continue
		}
		if excludedAttrs[tag] {
			echoes = append(echoes, echoItem{tag, elem.VR})
			continue
		}

		home := homeLevel(tag)
		if home == nil || home.Rank > target.Rank {
			echoes = append(echoes, echoItem{tag, elem.VR})
			continue
		}

		attr := home.Mapping[tag]
		column := home.Table + "." + attr.Column
		selects = append(selects, planItem{tag, attr.VR, column, false})
		if home.Rank < minRank {
			minRank = home.Rank
		}

		values := nonEmpty(ds.GetStrings(tag))
		if len(values) == 0 {
			continue
		}
		cond, condArgs, err := condition(column, attr.VR, values)
		if err != nil {
			return nil, err
		}
		where = append(where, cond)
		args = append(args, condArgs...)
	}

	query := buildQuery(target, selects, where, minRank, maxRank)

	atomic, err := p.atomic()
	if err != nil {
		return nil, err
	}
	var responses []*dicom.Dataset
	err = atomic(func(tx *sql.Tx) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return fmt.Errorf("pacs: find query: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var rowID int64
			scanned := make([]sql.NullString, len(selects))
			dest := make([]any, 0, len(selects)+1)
			dest = append(dest, &rowID)
			for i := range scanned {
				dest = append(dest, &scanned[i])
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}

			rds := dicom.NewDataset()
			rds.AddElement(tagSpecificCharacterSet, dicom.VR_CS, charset)
			rds.AddElement(tagQueryRetrieveLevel, dicom.VR_CS, string(target.Name))
			for i, item := range selects {
				value := scanned[i].String
				if item.dedupe {
					value = dedupeMulti(value)
				}
				rds.AddElement(item.tag, item.vr, value)
			}
			for _, echo := range echoes {
				vr := echo.vr
				if vr == "" || vr == dicom.VR_UN {
					vr = dicom.VR_LO
				}
				rds.AddElement(echo.tag, vr, "")
			}
			responses = append(responses, rds)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return responses, nil
}

// homeLevel returns the level whose mapping holds the tag, or nil.
func homeLevel(tag dicom.Tag) *level {
	for _, l := range hierarchy {
		if _, ok := l.Mapping[tag]; ok {
			return l
		}
	}
	return nil
}

// buildQuery renders the SELECT. The target's row id is always the first
// column: it anchors grouping when aggregates joined child tables in.
func buildQuery(target *level, selects []planItem, where []string, minRank, maxRank int) string {
	exprs := make([]string, 0, len(selects)+1)
	exprs = append(exprs, target.Table+".id")
	for _, s := range selects {
		exprs = append(exprs, s.expr)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(exprs, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(target.Table)

	// Upper levels join many-to-one toward the root.
	for r := target.Rank; r > minRank; r-- {
		child, parent := hierarchy[r], hierarchy[r-1]
		fmt.Fprintf(&sb, " JOIN %s ON %s.%s = %s.id",
			parent.Table, child.Table, child.ChildFK, parent.Table)
	}
	// Child levels join outward so rows without children still aggregate.
	for r := target.Rank + 1; r <= maxRank; r++ {
		child, parent := hierarchy[r], hierarchy[r-1]
		fmt.Fprintf(&sb, " LEFT JOIN %s ON %s.%s = %s.id",
			child.Table, child.Table, child.ChildFK, parent.Table)
	}

	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if maxRank > target.Rank {
		fmt.Fprintf(&sb, " GROUP BY %s.id", target.Table)
	}
	fmt.Fprintf(&sb, " ORDER BY %s.id", target.Table)
	return sb.String()
}

// condition renders one WHERE clause for an attribute filter, dispatching
// on the attribute's VR family.
func condition(column, vr string, values []string) (string, []any, error) {
	switch {
	case textVRs[vr]:
		if len(values) > 1 {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
			args := make([]any, len(values))
			for i, v := range values {
				args[i] = v
			}
			return fmt.Sprintf("%s IN (%s)", column, placeholders), args, nil
		}
		v := values[0]
		if strings.ContainsAny(v, "*?") {
			pattern := strings.NewReplacer("*", "%", "?", "_").Replace(v)
			return column + " LIKE ?", []any{pattern}, nil
		}
		return column + " = ?", []any{v}, nil

	case rangeVRs[vr]:
		v := values[0]
		i := strings.Index(v, "-")
		if i < 0 {
			return column + " = ?", []any{v}, nil
		}
		start, end := v[:i], v[i+1:]
		var conds []string
		var args []any
		if start != "" {
			conds = append(conds, column+" >= ?")
			args = append(args, start)
		}
		if end != "" {
			conds = append(conds, column+" <= ?")
			args = append(args, end)
		}
		if len(conds) == 0 {
			return "", nil, fmt.Errorf("pacs: empty range filter on %s", column)
		}
		return "(" + strings.Join(conds, " AND ") + ")", args, nil

	default:
		return "", nil, fmt.Errorf("pacs: unsupported VR %s for filtering on %s", vr, column)
	}
}

// nonEmpty drops empty strings from a value list.
func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// dedupeMulti removes duplicate values from a backslash-joined multi-value,
// preserving first-seen order.
func dedupeMulti(v string) string {
	if v == "" {
		return ""
	}
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(v, `\`) {
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return strings.Join(out, `\`)
}
