// Package logger provides a common logging interface for all sagalock components.
package logger

// Logger defines the logging interface used throughout sagalock.
// Implementations must be safe for concurrent use and should handle log levels internally.
type Logger interface {
	// Error logs error messages. Should be used for backend faults and failed releases.
	Error(msg string, args ...any)

	// Debug logs detailed diagnostic information useful for development and troubleshooting.
	// Call Debug to record verbose output about lock acquisition, contention, or release.
	// Debug messages should not include sensitive information and may be omitted in production.
	Debug(msg string, args ...any)
}

// Nop discards everything. Useful as a default in tests and tools.
type Nop struct{}

func (Nop) Error(string, ...any) {}
func (Nop) Debug(string, ...any) {}
