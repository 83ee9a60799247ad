package records

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ValidateUserKey checks that a user public key parses in authorized-keys
// format. Imported keys that fail this check are skipped rather than stored.
func ValidateUserKey(key string) error {
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}
