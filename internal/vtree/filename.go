package vtree

import (
	"path"
	"regexp"
	"strings"
)

// OtherType labels files whose names do not match the archive grammar.
const OtherType = "Other"

// ArchiveName is the structured form of an archive filename following
// the six-field grammar YYYYMM-BATCH-LETTER-PROJECT-TYPE-SERIAL, where
// TYPE may itself contain dashes (e.g. "R-UW").
type ArchiveName struct {
	YearMonth string `json:"year_month"`
	Batch     string `json:"batch"`
	Letter    string `json:"letter"`
	Project   string `json:"project"`
	Type      string `json:"type"`
	Serial    string `json:"serial"`
}

// stem strips the final extension so "x-00152.pdf" parses like
// "x-00152".
func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

var archiveNameRe = regexp.MustCompile(
	`^(\d{6})-([A-Za-z0-9]+)-([A-Za-z])-([A-Za-z0-9]+)-(.+)-(\d+)$`)

// ParseArchiveName extracts the grammar fields from name. The parser is
// total: non-matching names fall back to a best-effort dash split with
// Type set to OtherType and unmatched fields left empty.
func ParseArchiveName(name string) ArchiveName {
	if m := archiveNameRe.FindStringSubmatch(name); m != nil {
		return ArchiveName{
			YearMonth: m[1],
			Batch:     m[2],
			Letter:    m[3],
			Project:   m[4],
			Type:      m[5],
			Serial:    m[6],
		}
	}

	out := ArchiveName{Type: OtherType}
	parts := strings.Split(name, "-")
	if len(parts) > 0 {
		out.YearMonth = parts[0]
	}
	if len(parts) > 1 {
		out.Batch = parts[1]
	}
	if len(parts) > 2 {
		out.Letter = parts[2]
	}
	if len(parts) > 3 {
		out.Project = parts[3]
	}
	if len(parts) > 4 {
		out.Serial = parts[len(parts)-1]
	}
	return out
}
