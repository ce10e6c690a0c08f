package capacity

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
)

func state(capValue, total int64) custody.BankState {
	return custody.BankState{CapNormalized: big.NewInt(capValue), TotalDepositedNormalized: big.NewInt(total)}
}

func TestCheck(t *testing.T) {
	require.NoError(t, Check(state(100, 40), big.NewInt(60)))

	err := Check(state(100, 40), big.NewInt(61))
	require.Error(t, err)
	assert.True(t, errors.Is(err, custody.ErrCapExceeded))

	var capErr *custody.CapExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, int64(101), capErr.Attempted.Int64())
	assert.Equal(t, int64(100), capErr.Cap.Int64())
}

func TestCheckDoesNotMutate(t *testing.T) {
	s := state(10, 5)
	_ = Check(s, big.NewInt(100))
	assert.Equal(t, int64(5), s.TotalDepositedNormalized.Int64())
}

func TestAvailable(t *testing.T) {
	assert.Equal(t, int64(60), Available(state(100, 40)).Int64())
	assert.Equal(t, int64(0), Available(state(100, 100)).Int64())
	assert.Equal(t, int64(0), Available(state(10, 40)).Int64())
	assert.Equal(t, int64(0), Available(custody.BankState{}).Int64())
}
