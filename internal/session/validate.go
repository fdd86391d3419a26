package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is wrapped by ValidateName failures.
var ErrInvalidName = errors.New("invalid session name")

// Names double as directory names and as the --session argument imctl
// passes to imd, so they must start with a letter or digit.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is usable as a session.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: lowercase letters, digits, '-' and '_', starting with a letter or digit, at most 64 characters", ErrInvalidName, name)
	}
	return nil
}
