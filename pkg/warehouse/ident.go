package warehouse

import (
	"fmt"

	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

const maxIdentLen = 255

// ValidateIdent checks that a name is a plain warehouse identifier, safe to
// splice into generated SQL. Table and column names pass through here
// before any statement is built; data values never do, they are bound as
// parameters.
func ValidateIdent(name string) error {
	if name == "" {
		return loaderr.New(loaderr.KindConfigInvalid, "empty identifier")
	}
	if len(name) > maxIdentLen {
		return loaderr.New(loaderr.KindConfigInvalid, fmt.Sprintf("identifier %q exceeds %d characters", name, maxIdentLen))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case (c >= '0' && c <= '9') || c == '$' || c == '.':
			if i == 0 {
				return loaderr.New(loaderr.KindConfigInvalid, fmt.Sprintf("identifier %q must start with a letter or underscore", name))
			}
		default:
			return loaderr.New(loaderr.KindConfigInvalid, fmt.Sprintf("identifier %q contains invalid character %q", name, c))
		}
	}
	return nil
}
