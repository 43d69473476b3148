package session

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// ValidateUserID checks that id is the UUID the identity provider hands out.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user id is not configured")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid user id %q: %w", id, err)
	}
	return nil
}
