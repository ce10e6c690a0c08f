// Package custody holds the data model of the custody ledger: asset handles,
// roles, the bank state and the append-only record journal.
package custody

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/shopspring/decimal"
)

const (
	// InternalPrecision is the number of fractional digits of a normalized value.
	InternalPrecision = 6
	// OraclePrecision is the number of fractional digits of a reference price.
	OraclePrecision = 8
	// DefaultNativePrecision is used when the deployment does not override it.
	DefaultNativePrecision = 18
	// MaxPrecision bounds configurable precisions so 10^p stays below MaxAmount.
	MaxPrecision = 77
	// OracleHeartbeat is the maximum tolerated age of a price reading.
	OracleHeartbeat = time.Hour
)

// MaxAmount is the largest representable balance or running total (2^256-1).
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Asset identifies a custodied asset by its script hash. The zero hash is
// reserved for the native asset.
type Asset util.Uint160

// NativeAsset is the reserved identifier of the native asset.
var NativeAsset Asset

const nativeAssetName = "native"

// IsNative reports whether the asset is the native asset.
func (a Asset) IsNative() bool {
	return a == NativeAsset
}

// String returns "native" or the little-endian hex script hash.
func (a Asset) String() string {
	if a.IsNative() {
		return nativeAssetName
	}
	return util.Uint160(a).StringLE()
}

// MarshalText implements encoding.TextMarshaler.
func (a Asset) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Asset) UnmarshalText(text []byte) error {
	parsed, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAsset accepts "native" or a 40-character hex script hash, optionally
// prefixed with 0x.
func ParseAsset(raw string) (Asset, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == nativeAssetName {
		return NativeAsset, nil
	}
	u, err := util.Uint160DecodeStringLE(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Asset{}, fmt.Errorf("parse asset %q: %w", raw, err)
	}
	return Asset(u), nil
}

// Role names a capability in the access-control table.
type Role string

const (
	// RoleAdmin is unrestricted and administers every role.
	RoleAdmin Role = "ADMIN"
	// RoleManager may change the cap and the precision table.
	RoleManager Role = "MANAGER"
)

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(raw))); r {
	case RoleAdmin, RoleManager:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// BankState is the global accounting record.
type BankState struct {
	CapNormalized            *big.Int
	TotalDepositedNormalized *big.Int
}

// Clone returns a deep copy.
func (s BankState) Clone() BankState {
	return BankState{
		CapNormalized:            cloneInt(s.CapNormalized),
		TotalDepositedNormalized: cloneInt(s.TotalDepositedNormalized),
	}
}

// RecordKind classifies journal entries.
type RecordKind string

const (
	RecordDeposit      RecordKind = "deposit"
	RecordWithdrawal   RecordKind = "withdrawal"
	RecordCapUpdated   RecordKind = "cap_updated"
	RecordPrecisionSet RecordKind = "precision_set"
	RecordRoleGranted  RecordKind = "role_granted"
	RecordRoleRevoked  RecordKind = "role_revoked"
)

// Record is an append-only observability entry. Only the fields relevant to
// the kind are populated.
type Record struct {
	ID              string
	Kind            RecordKind
	Account         string
	Asset           Asset
	Amount          *big.Int
	NormalizedValue *big.Int
	Old             *big.Int
	New             *big.Int
	Precision       int
	Reference       string
	Principal       string
	Role            Role
	Actor           string
	CreatedAt       time.Time
}

// FormatNormalized renders a normalized value as a fixed-point decimal with
// InternalPrecision fractional digits.
func FormatNormalized(v *big.Int) string {
	if v == nil {
		v = new(big.Int)
	}
	return decimal.NewFromBigInt(v, -InternalPrecision).StringFixed(InternalPrecision)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
