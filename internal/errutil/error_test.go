package errutil_test

import (
	"fmt"
	"net/http"
	"testing"

	"safechat/backend/internal/errutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsufficientBalanceDetails(t *testing.T) {
	err := errutil.InsufficientBalance(300, 100)

	be := errutil.From(err)
	assert.Equal(t, errutil.StatusInsufficientBalance, be.Status())
	assert.Equal(t, "300", be.Detail("required"))
	assert.Equal(t, "100", be.Detail("available"))
	assert.Equal(t, http.StatusPaymentRequired, be.Code.HTTPStatus())
	assert.True(t, be.Code.Recoverable())
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("assign work: %w", errutil.NoEligibleStaff("VERIFICATION"))

	assert.True(t, errutil.Is(err, errutil.StatusNoEligibleStaff))
	assert.False(t, errutil.Is(err, errutil.StatusNotFound))
	assert.False(t, errutil.Is(nil, errutil.StatusNotFound))
}

func TestFromPlainError(t *testing.T) {
	be := errutil.From(fmt.Errorf("boom"))

	assert.Equal(t, errutil.StatusInternal, be.Code)
	assert.False(t, be.Code.Recoverable())
	require.Error(t, be.Unwrap())
}

func TestNotFoundField(t *testing.T) {
	be := errutil.From(errutil.NotFound("Booking", "b-1"))

	assert.Equal(t, "Booking not found", be.Message)
	assert.Equal(t, "b-1", be.Detail("booking_id"))
	assert.Equal(t, http.StatusNotFound, be.Code.HTTPStatus())
}

func TestInvariantViolationIsFatal(t *testing.T) {
	be := errutil.From(errutil.InvariantViolation("wallet mutation partially applied"))

	assert.False(t, be.Code.Recoverable())
	assert.Equal(t, http.StatusInternalServerError, be.Code.HTTPStatus())
	assert.Contains(t, be.Error(), "INVARIANT_VIOLATION")
}
