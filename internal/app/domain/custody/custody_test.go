package custody

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAsset(t *testing.T) {
	native, err := ParseAsset(" Native ")
	require.NoError(t, err)
	assert.True(t, native.IsNative())
	assert.Equal(t, "native", native.String())

	hash := "0x0102030405060708090a0b0c0d0e0f1011121314"
	token, err := ParseAsset(hash)
	require.NoError(t, err)
	assert.False(t, token.IsNative())
	assert.Equal(t, hash[2:], token.String())

	var decoded Asset
	require.NoError(t, decoded.UnmarshalText([]byte(token.String())))
	assert.Equal(t, token, decoded)

	_, err = ParseAsset("not-an-asset")
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("manager")
	require.NoError(t, err)
	assert.Equal(t, RoleManager, r)

	_, err = ParseRole("owner")
	assert.Error(t, err)
}

func TestCapExceededErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("deposit: %w", &CapExceededError{Attempted: big.NewInt(11), Cap: big.NewInt(10)})
	assert.True(t, errors.Is(err, ErrCapExceeded))

	var capErr *CapExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, int64(11), capErr.Attempted.Int64())
}

func TestBankStateCloneIsDeep(t *testing.T) {
	s := BankState{CapNormalized: big.NewInt(5)}
	c := s.Clone()
	c.CapNormalized.SetInt64(9)
	assert.Equal(t, int64(5), s.CapNormalized.Int64())
	assert.Equal(t, int64(0), c.TotalDepositedNormalized.Int64())
}

func TestMaxAmountBitLength(t *testing.T) {
	assert.Equal(t, 256, MaxAmount.BitLen())
}

func TestFormatNormalized(t *testing.T) {
	assert.Equal(t, "2000.000000", FormatNormalized(big.NewInt(2_000_000_000)))
	assert.Equal(t, "0.000001", FormatNormalized(big.NewInt(1)))
	assert.Equal(t, "0.000000", FormatNormalized(nil))
}
