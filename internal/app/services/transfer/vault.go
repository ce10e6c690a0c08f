package transfer

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

type holding struct {
	owner string
	asset custody.Asset
}

// Hook observes vault movements. A non-nil error aborts the movement.
type Hook func(ctx context.Context, op string, account string, asset custody.Asset, amount *big.Int) error

// Vault is an in-memory asset holder implementing the transfer collaborators.
// It tracks external wallet balances, allowances granted to custody and the
// assets custody holds.
type Vault struct {
	mu         sync.Mutex
	wallets    map[holding]*big.Int
	allowances map[holding]*big.Int
	custody    map[custody.Asset]*big.Int
	refusing   map[string]struct{}
	hook       Hook
	log        *logger.Logger
}

var (
	_ Inbound        = (*Vault)(nil)
	_ NativeReceiver = (*Vault)(nil)
	_ Outbound       = (*Vault)(nil)
	_ TokenContract  = (*Vault)(nil)
)

// NewVault creates an empty vault.
func NewVault(log *logger.Logger) *Vault {
	if log == nil {
		log = logger.NewDefault("vault")
	}
	return &Vault{
		wallets:    make(map[holding]*big.Int),
		allowances: make(map[holding]*big.Int),
		custody:    make(map[custody.Asset]*big.Int),
		refusing:   make(map[string]struct{}),
		log:        log,
	}
}

// WithHook installs a hook called before every movement.
func (v *Vault) WithHook(h Hook) {
	v.mu.Lock()
	v.hook = h
	v.mu.Unlock()
}

// Fund credits an external wallet.
func (v *Vault) Fund(owner string, asset custody.Asset, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	addTo(v.wallets, holding{owner, asset}, amount)
}

// Approve sets the allowance owner grants custody for asset.
func (v *Vault) Approve(owner string, asset custody.Asset, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowances[holding{owner, asset}] = new(big.Int).Set(amount)
}

// RefuseNative makes account reject native value sent to it.
func (v *Vault) RefuseNative(account string, refuse bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if refuse {
		v.refusing[account] = struct{}{}
	} else {
		delete(v.refusing, account)
	}
}

// WalletBalance returns the external balance of owner.
func (v *Vault) WalletBalance(owner string, asset custody.Asset) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return valueOf(v.wallets, holding{owner, asset})
}

// Allowance returns the remaining allowance owner granted custody.
func (v *Vault) Allowance(owner string, asset custody.Asset) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return valueOf(v.allowances, holding{owner, asset})
}

// Holdings returns what custody holds of asset.
func (v *Vault) Holdings(asset custody.Asset) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok := v.custody[asset]; ok {
		return new(big.Int).Set(h)
	}
	return new(big.Int)
}

// TransferIn spends allowance and moves tokens from the wallet into custody.
func (v *Vault) TransferIn(ctx context.Context, asset custody.Asset, from string, amount *big.Int) error {
	if err := v.runHook(ctx, "transfer_in", from, asset, amount); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	key := holding{from, asset}
	if valueOf(v.allowances, key).Cmp(amount) < 0 {
		return fmt.Errorf("allowance of %s for %s below %s: %w", from, asset, amount, custody.ErrTransferFailed)
	}
	if valueOf(v.wallets, key).Cmp(amount) < 0 {
		return fmt.Errorf("wallet of %s holds less than %s %s: %w", from, amount, asset, custody.ErrTransferFailed)
	}
	subFrom(v.allowances, key, amount)
	subFrom(v.wallets, key, amount)
	v.custody[asset] = new(big.Int).Add(v.holdingLocked(asset), amount)
	return nil
}

// ReceiveNative moves native value attached to a deposit into custody.
func (v *Vault) ReceiveNative(ctx context.Context, from string, amount *big.Int) error {
	if err := v.runHook(ctx, "receive_native", from, custody.NativeAsset, amount); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	key := holding{from, custody.NativeAsset}
	if valueOf(v.wallets, key).Cmp(amount) < 0 {
		return fmt.Errorf("wallet of %s cannot attach %s: %w", from, amount, custody.ErrTransferFailed)
	}
	subFrom(v.wallets, key, amount)
	v.custody[custody.NativeAsset] = new(big.Int).Add(v.holdingLocked(custody.NativeAsset), amount)
	return nil
}

// SendNative releases native value. It reports false when custody lacks the
// value or the recipient refuses it.
func (v *Vault) SendNative(ctx context.Context, to string, amount *big.Int) (bool, error) {
	if err := v.runHook(ctx, "send_native", to, custody.NativeAsset, amount); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, refuses := v.refusing[to]; refuses {
		v.log.WithField("to", to).Warn("recipient refused native value")
		return false, nil
	}
	return v.releaseLocked(custody.NativeAsset, to, amount), nil
}

// Transfer is the raw token primitive; it reports failure as false.
func (v *Vault) Transfer(ctx context.Context, asset custody.Asset, to string, amount *big.Int) (bool, error) {
	if err := v.runHook(ctx, "transfer_out", to, asset, amount); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.releaseLocked(asset, to, amount), nil
}

// TransferToken releases tokens through SafeTransfer.
func (v *Vault) TransferToken(ctx context.Context, asset custody.Asset, to string, amount *big.Int) error {
	return SafeTransfer(ctx, v, asset, to, amount)
}

func (v *Vault) releaseLocked(asset custody.Asset, to string, amount *big.Int) bool {
	held := v.holdingLocked(asset)
	if held.Cmp(amount) < 0 {
		return false
	}
	v.custody[asset] = new(big.Int).Sub(held, amount)
	addTo(v.wallets, holding{to, asset}, amount)
	return true
}

func (v *Vault) holdingLocked(asset custody.Asset) *big.Int {
	if h, ok := v.custody[asset]; ok {
		return h
	}
	return new(big.Int)
}

func (v *Vault) runHook(ctx context.Context, op, account string, asset custody.Asset, amount *big.Int) error {
	v.mu.Lock()
	hook := v.hook
	v.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx, op, account, asset, amount)
}

func valueOf(m map[holding]*big.Int, key holding) *big.Int {
	if v, ok := m[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func addTo(m map[holding]*big.Int, key holding, amount *big.Int) {
	m[key] = new(big.Int).Add(valueOf(m, key), amount)
}

func subFrom(m map[holding]*big.Int, key holding, amount *big.Int) {
	m[key] = new(big.Int).Sub(valueOf(m, key), amount)
}
