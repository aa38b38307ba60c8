package directory

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"

	"github.com/meshphone/meshphone/internal/fileutil"
)

// The artifact uses the IP-phone directory schema AREDN handsets poll.
// An inactive entry carries its '*' marker on the name so consumers (the
// reconciler included) can tell listed-but-offline users apart.

type xmlDirectory struct {
	XMLName xml.Name   `xml:"IPPhoneDirectory"`
	Entries []xmlEntry `xml:"DirectoryEntry"`
}

type xmlEntry struct {
	Name      string `xml:"Name"`
	Telephone string `xml:"Telephone"`
}

// WriteXML publishes entries atomically to path, deterministically
// ordered as given.
func WriteXML(path string, entries []Entry) error {
	doc := xmlDirectory{Entries: make([]xmlEntry, 0, len(entries))}
	for _, e := range entries {
		name := e.DisplayName()
		if e.Inactive {
			name = "*" + name
		}
		doc.Entries = append(doc.Entries, xmlEntry{Name: name, Telephone: e.Telephone})
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding directory XML: %w", err)
	}
	out := append([]byte(xml.Header), body...)
	out = append(out, '\n')
	return fileutil.WriteAtomic(path, out, 0o644)
}

// XMLUser is one (name, telephone) pair read back from the artifact.
type XMLUser struct {
	Name      string
	Telephone string
	Inactive  bool
}

// ReadXML parses the published artifact. A missing file returns no users
// and no error; readers tolerate absence.
func ReadXML(path string) ([]XMLUser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory XML: %w", err)
	}

	var doc xmlDirectory
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing directory XML: %w", err)
	}

	users := make([]XMLUser, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if e.Telephone == "" {
			continue
		}
		u := XMLUser{Name: e.Name, Telephone: e.Telephone}
		if strings.HasPrefix(u.Name, "*") {
			u.Name = strings.TrimPrefix(u.Name, "*")
			u.Inactive = true
		}
		users = append(users, u)
	}
	return users, nil
}
