// Package kernel defines the error type shared by all kernel subsystems.
package kernel

// Error describes a kernel error. Each error kind is defined as a global
// variable pointing to an Error value so that callers can match errors by
// identity instead of comparing message strings.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
