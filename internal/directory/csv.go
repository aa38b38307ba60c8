// Package directory implements the phonebook synchronisation pipeline:
// an ingestor that fetches CSV phonebooks over HTTP with source failover,
// detects change by content fingerprint, republishes an XML artifact
// atomically, and a reconciler that folds the artifact back into the
// shared user table.
package directory

import (
	"encoding/csv"
	"fmt"
	"strings"
)

// Entry is one phonebook row.
type Entry struct {
	FirstName string
	LastName  string
	Callsign  string
	Location  string
	Telephone string
	Inactive  bool // row carried a leading '*' marker on a name
}

// DisplayName renders the canonical directory name.
func (e Entry) DisplayName() string {
	return fmt.Sprintf("%s %s (%s)", e.FirstName, e.LastName, e.Callsign)
}

// Fingerprint computes the additive-rotating 32-bit content checksum,
// hex-encoded. It exists solely to detect change between fetches.
func Fingerprint(data []byte) string {
	var sum uint32
	for _, b := range data {
		sum = (sum<<1 | sum>>31) + uint32(b)
	}
	return fmt.Sprintf("%08x", sum)
}

// Sanitize replaces invalid UTF-8 sequences so downstream XML encoding
// cannot fail on fetched bytes.
func Sanitize(data []byte) string {
	return strings.ToValidUTF8(string(data), "?")
}

// ParseCSV parses a phonebook body with fields
// FirstName,LastName,Callsign,Location,Telephone. Rows without a
// telephone are rejected; a leading '*' on any name field marks the
// entry inactive and is stripped.
func ParseCSV(body string) ([]Entry, error) {
	r := csv.NewReader(strings.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing phonebook CSV: %w", err)
	}

	var entries []Entry
	for i, rec := range records {
		if len(rec) < 5 {
			continue
		}
		// Skip a header row.
		if i == 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "firstname") {
			continue
		}

		e := Entry{
			FirstName: strings.TrimSpace(rec[0]),
			LastName:  strings.TrimSpace(rec[1]),
			Callsign:  strings.TrimSpace(rec[2]),
			Location:  strings.TrimSpace(rec[3]),
			Telephone: strings.TrimSpace(rec[4]),
		}
		if e.Telephone == "" {
			continue
		}
		for _, name := range []*string{&e.FirstName, &e.LastName, &e.Callsign} {
			if strings.HasPrefix(*name, "*") {
				*name = strings.TrimPrefix(*name, "*")
				e.Inactive = true
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
