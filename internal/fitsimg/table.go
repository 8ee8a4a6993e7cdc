package fitsimg

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/astrogo/fitsio"
)

// Table holds selected columns of a binary table extension.
type Table struct {
	Header *Header
	Rows   int
	cols   map[string][]any
}

// ReadTable reads the named columns of the last binary table in path. For
// SExtractor LDAC catalogs that is LDAC_OBJECTS, for PSFEx models PSF_DATA.
func ReadTable(path string, columns ...string) (*Table, error) {
	r, f, err := openFITS(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer f.Close()

	var tbl *fitsio.Table
	for _, hdu := range f.HDUs() {
		if t, ok := hdu.(*fitsio.Table); ok {
			tbl = t
		}
	}
	if tbl == nil {
		return nil, fmt.Errorf("%s: no binary table", path)
	}
	for _, c := range columns {
		if tbl.Index(c) < 0 {
			return nil, fmt.Errorf("%s: no column %s", path, c)
		}
	}

	out := &Table{Header: convertHeader(tbl.Header()), cols: make(map[string][]any, len(columns))}
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer rows.Close()
	for rows.Next() {
		data := make(map[string]interface{}, len(columns))
		for _, c := range columns {
			data[c] = nil
		}
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, out.Rows, err)
		}
		for _, c := range columns {
			out.cols[c] = append(out.cols[c], data[c])
		}
		out.Rows++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// Float returns a scalar numeric column.
func (t *Table) Float(col string) ([]float64, error) {
	vals, ok := t.cols[col]
	if !ok {
		return nil, fmt.Errorf("column %s not read", col)
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		f, err := toFloats(v)
		if err != nil || len(f) != 1 {
			return nil, fmt.Errorf("column %s row %d: not a scalar", col, i)
		}
		out[i] = f[0]
	}
	return out, nil
}

// Array returns the vector cell of col in row.
func (t *Table) Array(col string, row int) ([]float64, error) {
	vals, ok := t.cols[col]
	if !ok {
		return nil, fmt.Errorf("column %s not read", col)
	}
	if row < 0 || row >= len(vals) {
		return nil, fmt.Errorf("column %s: row %d out of range", col, row)
	}
	return toFloats(vals[row])
}

func toFloats(v any) ([]float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]float64, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			f, err := toFloats(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out = append(out, f...)
		}
		return out, nil
	case reflect.Float32, reflect.Float64:
		return []float64{rv.Float()}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return []float64{float64(rv.Int())}, nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return []float64{float64(rv.Uint())}, nil
	}
	return nil, fmt.Errorf("unsupported cell type %T", v)
}

// Column describes one column for WriteTable. Format is a TFORM code such
// as "D" or "25E".
type Column struct {
	Name   string
	Format string
}

// WriteTable writes an empty primary HDU followed by a binary table named
// extname. Each row holds one value per column, either a scalar or a slice
// matching the column repeat count.
func WriteTable(path, extname string, hdr *Header, cols []Column, rows [][]any) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	f, err := fitsio.Create(out)
	if err != nil {
		return fmt.Errorf("create fits %s: %w", path, err)
	}
	defer f.Close()

	phdu := fitsio.NewImage(8, nil)
	defer phdu.Close()
	if err := f.Write(phdu); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fcols := make([]fitsio.Column, len(cols))
	for i, c := range cols {
		fcols[i] = fitsio.Column{Name: c.Name, Format: c.Format}
	}
	tbl, err := fitsio.NewTable(extname, fcols, fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("table for %s: %w", path, err)
	}
	defer tbl.Close()
	if err := tbl.Header().Append(fitsCards(hdr)...); err != nil {
		return fmt.Errorf("header for %s: %w", path, err)
	}
	for i, row := range rows {
		if len(row) != len(cols) {
			return fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(cols))
		}
		args := make([]interface{}, len(row))
		for j, v := range row {
			p := reflect.New(reflect.TypeOf(v))
			p.Elem().Set(reflect.ValueOf(v))
			args[j] = p.Interface()
		}
		if err := tbl.Write(args...); err != nil {
			return fmt.Errorf("row %d of %s: %w", i, path, err)
		}
	}
	if err := f.Write(tbl); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
