package errors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	ferrors "github.com/fusilli-go/fusilli/errors"
)

func TestErrorMessageIncludesCode(t *testing.T) {
	err := ferrors.New(ferrors.NotCompiled, "graph %q", "conv")
	require.Contains(t, err.Error(), "NotCompiled")
	require.Contains(t, err.Error(), `"conv"`)
}

func TestIsMatchesByCodeNotMessage(t *testing.T) {
	err := ferrors.New(ferrors.NotValidated, "some specific message")
	require.True(t, ferrors.Is(err, ferrors.NotValidated))
	require.False(t, ferrors.Is(err, ferrors.NotCompiled))
	require.True(t, errors.Is(err, ferrors.ErrNotValidated))
}

func TestWrapFoldsCauseIntoMessage(t *testing.T) {
	cause := errors.New("exit status 1")
	err := ferrors.Wrap(ferrors.CompileFailure, cause, "iree-compile failed")
	require.Contains(t, err.Error(), "exit status 1")
	require.ErrorIs(t, err, cause)
}

func TestCodeStringUnknown(t *testing.T) {
	var c ferrors.Code = 999
	require.Equal(t, "UnknownCode", c.String())
}
