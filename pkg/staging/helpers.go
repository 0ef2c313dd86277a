package staging

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/nucleus/pybridge/pkg/datasource"
)

// cloneRows makes a shallow copy of the row slice to avoid mutation.
func cloneRows(in []datasource.Row) []datasource.Row {
	out := make([]datasource.Row, len(in))
	copy(out, in)
	return out
}

// rowsSizeBytes approximates payload size using JSONL encoding.
func rowsSizeBytes(rows []datasource.Row) (int64, error) {
	buf := &bytes.Buffer{}
	if err := writeJSONLines(buf, rows, false); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}

func writeJSONLines(w io.Writer, rows []datasource.Row, compress bool) error {
	var writer io.Writer = w
	var gz *gzip.Writer

	if compress {
		gz = gzip.NewWriter(w)
		writer = gz
	}

	enc := json.NewEncoder(writer)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			if gz != nil {
				_ = gz.Close()
			}
			return fmt.Errorf("encode row: %w", err)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("flush gzip: %w", err)
		}
	}
	return nil
}

func readJSONLines(r io.Reader) ([]datasource.Row, error) {
	dec := json.NewDecoder(r)
	var rows []datasource.Row
	for dec.More() {
		var row datasource.Row
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
