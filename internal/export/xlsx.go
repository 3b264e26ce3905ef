package export

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/wisdom-cli/internal/model"
)

// WisdomSheet is the sheet name used for the wisdom tier workbook.
const WisdomSheet = "wisdom"

// WriteWisdomXLSX writes the wisdom tier as a single-sheet workbook with
// the fixed insight columns.
func WriteWisdomXLSX(path string, recs []model.WisdomRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(WisdomSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range model.WisdomColumns {
		c := header.AddCell()
		c.SetString(col)
		c.GetStyle().Font.Bold = true
	}

	for _, r := range recs {
		row := sheet.AddRow()
		for _, v := range insightCells(r.Insight) {
			c := row.AddCell()
			if n, ok := v.(int); ok {
				c.SetInt(n)
				continue
			}
			c.SetString(v.(string))
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}

// insightCells returns the insight's values in WisdomColumns order.
func insightCells(w model.WisdomInsight) []any {
	return []any{
		w.Description, w.Rationale, w.UseCase, w.ImpactArea,
		w.TransferabilityScore, w.ActionabilityRating, w.EvidenceStrength,
		w.Type, w.Tag, w.Source, w.Link, w.Notes,
	}
}

// ReadWisdomXLSX reads a workbook written by WriteWisdomXLSX.
func ReadWisdomXLSX(path string) ([]model.WisdomInsight, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	sheet, ok := f.Sheet[WisdomSheet]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", WisdomSheet)
	}

	var out []model.WisdomInsight
	for i, row := range sheet.Rows {
		if i == 0 {
			continue
		}
		cells := rowToStrings(row)
		for len(cells) < len(model.WisdomColumns) {
			cells = append(cells, "")
		}
		ts, _ := strconv.Atoi(cells[4])
		ar, _ := strconv.Atoi(cells[5])
		out = append(out, model.WisdomInsight{
			Description:          cells[0],
			Rationale:            cells[1],
			UseCase:              cells[2],
			ImpactArea:           cells[3],
			TransferabilityScore: ts,
			ActionabilityRating:  ar,
			EvidenceStrength:     cells[6],
			Type:                 cells[7],
			Tag:                  cells[8],
			Source:               cells[9],
			Link:                 cells[10],
			Notes:                cells[11],
		})
	}
	return out, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
