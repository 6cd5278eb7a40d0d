package tokenshield

import (
	"errors"
	"fmt"
)

// BlockedError rejects a request at admission. Callers may retry
// after the window named in Reason has passed.
type BlockedError struct {
	Reason        string
	EstimatedCost float64
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("request blocked: %s", e.Reason)
}

// IsBlocked reports whether err is an admission rejection.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// ConfigError rejects an invalid configuration at construction time.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string {
	return "tokenshield config: " + e.msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}
