package recovery

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReferenceColumn is the header of the back-office export column that holds
// our transaction ids.
const ReferenceColumn = "transaction_id"

// ReadReferencesCSV extracts the ReferenceColumn values of a back-office
// export. Blank cells are skipped; order is preserved.
func ReadReferencesCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyBatch
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := -1
	for i, h := range header {
		// Excel exports prefix the first cell with a BOM.
		name := strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		if strings.EqualFold(name, ReferenceColumn) {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("csv has no %q column", ReferenceColumn)
	}

	var refs []string
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if col >= len(record) {
			continue
		}
		if v := strings.TrimSpace(record[col]); v != "" {
			refs = append(refs, v)
		}
	}
	return refs, nil
}
