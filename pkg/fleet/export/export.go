// Package export renders fleet records as an xlsx workbook, one sheet per
// record kind.
package export

import (
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/yowenter/fleetd/pkg/fleet/schema"
	"github.com/yowenter/fleetd/pkg/types"
)

const defaultSheet = "Sheet1"

var fixedColumns = []interface{}{"id", "version", "createdAt", "updatedAt"}

func header(sc *schema.Schema) []interface{} {
	row := append([]interface{}{}, fixedColumns...)
	for _, f := range sc.Fields {
		row = append(row, f.Name)
	}
	return row
}

func recordRow(sc *schema.Schema, r *types.Record) []interface{} {
	row := []interface{}{
		r.ID,
		r.Revision,
		time.Unix(r.CreatedAt, 0).UTC().Format(time.RFC3339),
		time.Unix(r.UpdateAt, 0).UTC().Format(time.RFC3339),
	}
	for _, f := range sc.Fields {
		row = append(row, r.Fields[f.Name])
	}
	return row
}

// WriteWorkbook writes a sheet named after each schema's collection, rows
// sorted by id. records is keyed by kind.
func WriteWorkbook(w io.Writer, schemas []*schema.Schema, records map[string][]*types.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, sc := range schemas {
		idx, err := f.NewSheet(sc.Collection)
		if err != nil {
			return err
		}
		if i == 0 {
			f.SetActiveSheet(idx)
		}

		h := header(sc)
		if err := f.SetSheetRow(sc.Collection, "A1", &h); err != nil {
			return err
		}

		rs := append([]*types.Record{}, records[sc.Kind]...)
		sort.Slice(rs, func(a, b int) bool { return rs[a].ID < rs[b].ID })
		for n, r := range rs {
			cell, err := excelize.CoordinatesToCellName(1, n+2)
			if err != nil {
				return err
			}
			row := recordRow(sc, r)
			if err := f.SetSheetRow(sc.Collection, cell, &row); err != nil {
				return err
			}
		}
	}

	if len(schemas) > 0 {
		if err := f.DeleteSheet(defaultSheet); err != nil {
			return err
		}
	}
	return f.Write(w)
}
