package errors

import (
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewUsesStockMessageAndKeepsCause(t *testing.T) {
	cause := stderrors.New("boom")
	err := New(CodeUnavailable, cause)

	require.Equal(t, "Service temporarily unavailable", err.Message)
	require.Equal(t, "SERVICE_UNAVAILABLE: Service temporarily unavailable: boom", err.Error())
	require.ErrorIs(t, err, cause)
	require.Equal(t, "Internal server error", DefaultMessage("UNKNOWN"))
}

func TestIsMatchesByCode(t *testing.T) {
	locked := New(CodeAccountLocked, nil).WithDetail("retry_after_seconds", 42)

	require.ErrorIs(t, locked, New(CodeAccountLocked, nil))
	require.NotErrorIs(t, locked, New(CodeInvalidCredentials, nil))
	require.Equal(t, 42, locked.Details["retry_after_seconds"])
}

func TestEnvelopeHidesCause(t *testing.T) {
	body, err := json.Marshal(New(CodeNotFound, stderrors.New("secret path")).WithMessage("route /x not found").Envelope())
	require.NoError(t, err)
	require.JSONEq(t, `{"success":false,"error":{"code":"NOT_FOUND","message":"route /x not found"}}`, string(body))
}

func TestFrom(t *testing.T) {
	require.Nil(t, From(nil))

	original := New(CodeTokenInvalid, nil)
	require.Same(t, original, From(fmtWrap(original)))

	internal := From(stderrors.New("disk full"))
	require.Equal(t, CodeInternal, internal.Code)
}

func fmtWrap(err error) error {
	return &wrapped{err}
}

type wrapped struct{ err error }

func (w *wrapped) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
