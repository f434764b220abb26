package query

// ParseRows zips every retained row of rs against its column names. When
// header is true the first row duplicates the column names and is dropped.
func ParseRows(rs ResultSet, header bool) []Record {
	rows := rs.Rows
	if header && len(rows) > 0 {
		rows = rows[1:]
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		width := len(rs.Columns)
		if len(row) < width {
			width = len(row)
		}
		record := make(Record, width)
		for i := 0; i < width; i++ {
			record[rs.Columns[i]] = row[i]
		}
		records = append(records, record)
	}
	return records
}
