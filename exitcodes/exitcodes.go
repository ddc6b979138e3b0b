// Package exitcodes defines the standard exit codes used by arch-acceptor.
package exitcodes

// Exit code constants used by arch-acceptor
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when every job in the run passes
// * ValidationFailure (1): Used when one or more jobs fail validation
// * RuntimeErr (2): Used for runtime errors such as panics, bad configuration or other failures
const (
	Success           = 0 // All jobs pass
	ValidationFailure = 1 // Validation failures
	RuntimeErr        = 2 // Runtime errors or bad configuration
)
