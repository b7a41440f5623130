// Package export serialises harvest records. The CSV form uses ';' as the
// separator and a UTF-8 byte-order mark so spreadsheet tools open it
// correctly; both are part of the output contract.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sells-group/mapharvest/internal/model"
)

// Separator is the CSV field separator.
const Separator = ';'

// Format is an output format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX, FormatJSON:
		return f, nil
	case "":
		return FormatCSV, nil
	default:
		return "", eris.Errorf("export: unknown format %q", s)
	}
}

// FormatFromPath infers the format from a file extension, defaulting to CSV.
func FormatFromPath(path string) Format {
	f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return FormatCSV
	}
	return f
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSON:
		return "application/json"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Write encodes records to w in format f.
func Write(w io.Writer, f Format, records []model.Record) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, records)
	case FormatJSON:
		return WriteJSON(w, records)
	default:
		return WriteCSV(w, records)
	}
}

// WriteFile writes records to path, creating parent directories.
func WriteFile(path string, f Format, records []model.Record) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "export: create dir %s", dir)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	bw := bufio.NewWriter(file)
	if err := Write(bw, f, records); err != nil {
		_ = file.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		return eris.Wrapf(err, "export: flush %s", path)
	}
	return eris.Wrapf(file.Close(), "export: close %s", path)
}

// WriteCSV writes a BOM-prefixed, ';'-separated CSV with a header row.
func WriteCSV(w io.Writer, records []model.Record) error {
	bom := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	cw := csv.NewWriter(bom)
	cw.Comma = Separator

	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(model.Record{}); err != nil {
		return eris.Wrap(err, "export: csv header")
	}
	if len(records) > 0 {
		if err := enc.Encode(records); err != nil {
			return eris.Wrap(err, "export: csv rows")
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "export: csv flush")
	}
	return eris.Wrap(bom.Close(), "export: csv encode")
}

// ReadCSV parses output produced by WriteCSV.
func ReadCSV(r io.Reader) ([]model.Record, error) {
	decoded := transform.NewReader(r, unicode.UTF8BOM.NewDecoder())
	cr := csv.NewReader(decoded)
	cr.Comma = Separator

	dec, err := csvutil.NewDecoder(cr)
	if err != nil {
		if eris.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "export: csv header")
	}
	var out []model.Record
	if err := dec.Decode(&out); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "export: csv rows")
	}
	return out, nil
}

// Header is the exported column order.
var Header = []string{"name", "address", "link", "phone"}

// WriteXLSX writes a single-sheet workbook with a header row.
func WriteXLSX(w io.Writer, records []model.Record) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("results")
	if err != nil {
		return eris.Wrap(err, "export: xlsx sheet")
	}
	addRow(sheet, Header)
	for _, r := range records {
		addRow(sheet, []string{r.Name, r.Address, r.Link, r.Phone})
	}
	return eris.Wrap(f.Write(w), "export: xlsx write")
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// WriteJSON writes records as an indented JSON array.
func WriteJSON(w io.Writer, records []model.Record) error {
	if records == nil {
		records = []model.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(records), "export: json")
}
