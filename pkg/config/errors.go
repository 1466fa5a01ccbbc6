package config

import "fmt"

// ProtocolConfigError reports an unusable protocol parameter.
type ProtocolConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ProtocolConfigError) Error() string {
	return fmt.Sprintf("invalid protocol config: %s=%v: %s", e.Field, e.Value, e.Reason)
}
