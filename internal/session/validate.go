package session

import (
	"fmt"
	"regexp"
)

// Names are directory names under sessions/ and appear in log file names.
// A leading hyphen would read as a flag on the wppbotctl command line.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

// reserved names are kept for directories shared across sessions.
var reserved = map[string]bool{
	"backups":  true,
	"logs":     true,
	"sessions": true,
}

// ValidateName checks that name can be used as a session name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 lowercase letters, digits, '_' or '-', not starting with '-'", name)
	}
	if reserved[name] {
		return fmt.Errorf("invalid session name %q: reserved", name)
	}
	return nil
}
