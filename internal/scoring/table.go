// Package scoring compares extracted values against human-labelled ground
// truth and produces per-row and aggregate agreement scores per feature.
package scoring

import (
	"encoding/csv"
	"io"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

const truthSuffix = "_truth"

// Table is a ground-truth sheet: for every feature id there is a
// "<id>_truth" column and a "<id>" prediction column.
type Table struct {
	Header []string
	Rows   []map[string]string
}

// ReadTable parses a CSV sheet. Spaces in header names become dots so
// spreadsheet-friendly headers map back to feature ids.
func ReadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, eris.New("scoring: empty csv")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scoring: read header")
	}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
		header[i] = strings.ReplaceAll(h, " ", ".")
	}

	t := &Table{Header: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "scoring: read row %d", len(t.Rows)+1)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Identifiers returns the feature ids that have a truth column, in header order.
func (t *Table) Identifiers() []string {
	out := make([]string, 0)
	for _, col := range t.Header {
		if id, ok := strings.CutSuffix(col, truthSuffix); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

// HasPair reports whether both the truth and the prediction column exist.
func (t *Table) HasPair(id string) bool {
	var truth, pred bool
	for _, col := range t.Header {
		switch col {
		case id + truthSuffix:
			truth = true
		case id:
			pred = true
		}
	}
	return truth && pred
}

// pair returns the truth and prediction of one row; ok is false when
// either value is missing.
func pair(row map[string]string, id string) (truth, pred string, ok bool) {
	truth, okT := row[id+truthSuffix]
	pred, okP := row[id]
	if !okT || !okP || strings.TrimSpace(truth) == "" || strings.TrimSpace(pred) == "" {
		return "", "", false
	}
	return truth, pred, true
}

// WriteTable writes rows as CSV. The leading columns come first and every
// other key seen in any row follows in sorted order; absent cells are blank.
func WriteTable(w io.Writer, leading []string, rows []map[string]string) error {
	seen := map[string]bool{}
	for _, c := range leading {
		seen[c] = true
	}
	var rest []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	header := append(append([]string(nil), leading...), rest...)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "scoring: write header")
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			record[i] = row[col]
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "scoring: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "scoring: flush csv")
}
