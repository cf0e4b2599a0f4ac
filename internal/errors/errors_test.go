package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_ErrorFormatting(t *testing.T) {
	err := New(TypeSourceMissing, "source directory missing", "Check source_directories.")

	assert.Equal(t, "source directory missing", err.Error())
	assert.Equal(t, TypeSourceMissing, err.Type)
	assert.Equal(t, "source directory missing", err.Message)
	assert.Equal(t, "Check source_directories.", err.Hint)
}

func TestAppError_Unwrap(t *testing.T) {
	baseErr := errors.New("disk full")
	appErr := Wrap(baseErr, TypeArchive, "failed to write archive", "Free some space.")

	assert.Equal(t, "failed to write archive: disk full", appErr.Error())

	assert.True(t, errors.Is(appErr, baseErr))

	unwrapped := errors.Unwrap(appErr)
	assert.Equal(t, baseErr, unwrapped)
}

func TestAppError_IsType(t *testing.T) {
	err := New(TypeFilesystem, "copy failed", "")
	assert.True(t, IsType(err, TypeFilesystem))
	assert.False(t, IsType(err, TypeArchive))

	stdErr := errors.New("standard error")
	assert.False(t, IsType(stdErr, TypeFilesystem))

	wrapped := fmt.Errorf("wrapped: %w", err)
	assert.True(t, IsType(wrapped, TypeFilesystem))

	nested := Wrap(New(TypeSourceMissing, "world missing", ""), TypeFilesystem, "snapshot failed", "")
	assert.True(t, IsType(nested, TypeSourceMissing))
	assert.True(t, IsType(nested, TypeFilesystem))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, TypeAlreadyInProgress, TypeOf(fmt.Errorf("run: %w", ErrAlreadyInProgress)))
	assert.Equal(t, TypeInternal, TypeOf(errors.New("plain")))
}
