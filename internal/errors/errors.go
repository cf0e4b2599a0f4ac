package apperrors

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	TypeAlreadyInProgress ErrorType = "AlreadyInProgress"      // Another backup holds the backup mutex
	TypeInterrupted       ErrorType = "InterruptedByShutdown"  // Shutdown observed while quiescing
	TypeSourceMissing     ErrorType = "SourceDirectoryMissing" // Configured world/source directory absent
	TypeArchive           ErrorType = "ArchiveWriteFailure"    // Encoding or I/O fault while writing the archive
	TypeFilesystem        ErrorType = "FilesystemFailure"      // Copy, cleanup or directory creation fault
	TypeUnsupportedFormat ErrorType = "UnsupportedFormat"      // archive_format not in the registry
	TypeConfig            ErrorType = "Config"                 // Invalid option values
	TypeConnection        ErrorType = "Connection"             // Mirror target or host channel unreachable
	TypeAuth              ErrorType = "Auth"                   // SSH keys, credentials
	TypeInternal          ErrorType = "Internal"               // Unexpected internal failure
)

// AppError is a rich error type that provides categorize and hints for users.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Hint    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Hint:    hint,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Err:     err,
		Hint:    hint,
	}
}

// IsType reports whether any AppError in err's chain has type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Err
	}
	return false
}

// TypeOf returns the type of the outermost AppError in err's chain.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return TypeInternal
}

var (
	ErrAlreadyInProgress = New(TypeAlreadyInProgress, "a backup is already in progress", "Wait for the running backup to finish before starting another one.")
	ErrInterrupted       = New(TypeInterrupted, "backup interrupted by shutdown", "The server is stopping; the next backup runs after restart.")
)
