package marker

import (
	"regexp"
	"strings"
)

var (
	searchRe = regexp.MustCompile(`\[WEBSEARCH:([^\]]*)\]`)
	fileRe   = regexp.MustCompile(`\[FILE:([^\]\n]+)\]`)
)

// FileRequest is a reply that asked for its remainder to be sent as a file.
type FileRequest struct {
	PreText  string
	FileName string
	Content  string
}

// ParseSearch finds the first search marker. stripped is text with every
// search marker removed and surrounding whitespace trimmed.
func ParseSearch(text string) (query, stripped string, ok bool) {
	m := searchRe.FindStringSubmatch(text)
	if m == nil {
		return "", text, false
	}
	query = strings.TrimSpace(m[1])
	if query == "" {
		return "", text, false
	}
	stripped = strings.TrimSpace(searchRe.ReplaceAllString(text, ""))
	return query, stripped, true
}

// ParseFile splits a reply at the first file marker. Everything before the
// marker is lead-in text; everything after the marker line is file content.
func ParseFile(text string) (FileRequest, bool) {
	loc := fileRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return FileRequest{}, false
	}
	name := strings.TrimSpace(text[loc[2]:loc[3]])
	if name == "" {
		return FileRequest{}, false
	}
	content := text[loc[1]:]
	content = strings.TrimPrefix(content, "\r")
	content = strings.TrimPrefix(content, "\n")
	return FileRequest{
		PreText:  strings.TrimSpace(text[:loc[0]]),
		FileName: sanitizeFileName(name),
		Content:  strings.TrimRight(content, " \t\r\n"),
	}, true
}

// Contains reports whether text carries any marker.
func Contains(text string) bool {
	return searchRe.MatchString(text) || fileRe.MatchString(text)
}

func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "file.txt"
	}
	return name
}
