package cmd

import (
	"fmt"
	"strings"

	v "import-desk/validate"
)

func validateSessionArg(s string) error {
	if err := v.ValidateSessionID(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("session id is not valid, expected the id printed by 'import' or listed by 'sessions' (%w)", err)
	}
	return nil
}

func validateCodeArg(s string) error {
	if s == "" {
		return nil
	}
	if err := v.ValidateCode(s); err != nil {
		return fmt.Errorf("verification code is not valid (%w)", err)
	}
	return nil
}

func validateLimitArg(n int) error {
	if err := v.ValidateLimit(n); err != nil {
		return fmt.Errorf("--limit is out of range (%w)", err)
	}
	return nil
}
