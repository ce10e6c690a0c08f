package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
)

type balanceKey struct {
	account string
	asset   custody.Asset
}

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	// txMu serialises ledger transactions; mu guards the maps.
	txMu sync.Mutex
	mu   sync.RWMutex

	balances       map[balanceKey]*big.Int
	precisions     map[custody.Asset]int
	bank           *custody.BankState
	records        []custody.Record
	roles          map[custody.Role]map[string]struct{}
	priceFeeds     map[string]pricefeed.Feed
	priceSnapshots map[string][]pricefeed.Snapshot
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.RoleStore = (*Store)(nil)
var _ storage.PriceFeedStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		balances:       make(map[balanceKey]*big.Int),
		precisions:     make(map[custody.Asset]int),
		roles:          make(map[custody.Role]map[string]struct{}),
		priceFeeds:     make(map[string]pricefeed.Feed),
		priceSnapshots: make(map[string][]pricefeed.Snapshot),
	}
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) Balance(_ context.Context, account string, asset custody.Asset) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneOrZero(s.balances[balanceKey{account, asset}]), nil
}

func (s *Store) BankState(_ context.Context) (custody.BankState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bank == nil {
		return custody.BankState{}.Clone(), nil
	}
	return s.bank.Clone(), nil
}

func (s *Store) Precision(_ context.Context, asset custody.Asset) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.precisions[asset]
	return p, ok, nil
}

func (s *Store) Seed(_ context.Context, nativePrecision int, capNormalized *big.Int) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.precisions[custody.NativeAsset]; !ok {
		s.precisions[custody.NativeAsset] = nativePrecision
	}
	if s.bank == nil {
		state := custody.BankState{CapNormalized: capNormalized}.Clone()
		s.bank = &state
	}
	return nil
}

func (s *Store) ListRecords(_ context.Context, limit int) ([]custody.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	start := 0
	if limit > 0 && n > limit {
		start = n - limit
	}
	out := make([]custody.Record, 0, n-start)
	for i := n - 1; i >= start; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

// WithTx stages writes in an overlay and applies them in one step when fn
// succeeds. Reads made outside the transaction keep seeing committed state.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &ledgerTx{
		store:      s,
		balances:   make(map[balanceKey]*big.Int),
		precisions: make(map[custody.Asset]int),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range tx.balances {
		s.balances[k] = v
	}
	for k, v := range tx.precisions {
		s.precisions[k] = v
	}
	if tx.bank != nil {
		state := tx.bank.Clone()
		s.bank = &state
	}
	s.records = append(s.records, tx.records...)
	return nil
}

type ledgerTx struct {
	store      *Store
	balances   map[balanceKey]*big.Int
	precisions map[custody.Asset]int
	bank       *custody.BankState
	records    []custody.Record
}

func (tx *ledgerTx) Balance(ctx context.Context, account string, asset custody.Asset) (*big.Int, error) {
	if v, ok := tx.balances[balanceKey{account, asset}]; ok {
		return new(big.Int).Set(v), nil
	}
	return tx.store.Balance(ctx, account, asset)
}

func (tx *ledgerTx) BankState(ctx context.Context) (custody.BankState, error) {
	if tx.bank != nil {
		return tx.bank.Clone(), nil
	}
	return tx.store.BankState(ctx)
}

func (tx *ledgerTx) Precision(ctx context.Context, asset custody.Asset) (int, bool, error) {
	if p, ok := tx.precisions[asset]; ok {
		return p, true, nil
	}
	return tx.store.Precision(ctx, asset)
}

func (tx *ledgerTx) SetBalance(_ context.Context, account string, asset custody.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("negative balance for %s/%s", account, asset)
	}
	tx.balances[balanceKey{account, asset}] = new(big.Int).Set(amount)
	return nil
}

func (tx *ledgerTx) SetBankState(_ context.Context, state custody.BankState) error {
	c := state.Clone()
	tx.bank = &c
	return nil
}

func (tx *ledgerTx) SetPrecision(_ context.Context, asset custody.Asset, precision int) error {
	tx.precisions[asset] = precision
	return nil
}

func (tx *ledgerTx) AppendRecord(_ context.Context, rec custody.Record) error {
	tx.records = append(tx.records, prepareRecord(rec))
	return nil
}

// --- RoleStore --------------------------------------------------------------

func (s *Store) HasRole(_ context.Context, principal string, role custody.Role) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.roles[role][principal]
	return ok, nil
}

func (s *Store) SetRole(_ context.Context, principal string, role custody.Role, granted bool, rec custody.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.roles[role]
	if !ok {
		members = make(map[string]struct{})
		s.roles[role] = members
	}
	if granted {
		members[principal] = struct{}{}
	} else {
		delete(members, principal)
	}
	s.records = append(s.records, prepareRecord(rec))
	return nil
}

func (s *Store) ListRoleMembers(_ context.Context, role custody.Role) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.roles[role]))
	for p := range s.roles[role] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// --- PriceFeedStore ---------------------------------------------------------

func (s *Store) CreatePriceFeed(_ context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	if _, exists := s.priceFeeds[feed.ID]; exists {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s already exists", feed.ID)
	}
	now := time.Now().UTC()
	feed.CreatedAt = now
	feed.UpdatedAt = now
	s.priceFeeds[feed.ID] = feed
	return feed, nil
}

func (s *Store) UpdatePriceFeed(_ context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.priceFeeds[feed.ID]
	if !ok {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s: %w", feed.ID, storage.ErrNotFound)
	}
	feed.CreatedAt = existing.CreatedAt
	feed.UpdatedAt = time.Now().UTC()
	s.priceFeeds[feed.ID] = feed
	return feed, nil
}

func (s *Store) GetPriceFeed(_ context.Context, id string) (pricefeed.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, ok := s.priceFeeds[id]
	if !ok {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s: %w", id, storage.ErrNotFound)
	}
	return feed, nil
}

func (s *Store) ListPriceFeeds(_ context.Context) ([]pricefeed.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pricefeed.Feed, 0, len(s.priceFeeds))
	for _, feed := range s.priceFeeds {
		out = append(out, feed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreatePriceSnapshot(_ context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.priceFeeds[snap.FeedID]; !ok {
		return pricefeed.Snapshot{}, fmt.Errorf("price feed %s: %w", snap.FeedID, storage.ErrNotFound)
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.CreatedAt = time.Now().UTC()
	snap.Price = cloneOrZero(snap.Price)
	s.priceSnapshots[snap.FeedID] = append(s.priceSnapshots[snap.FeedID], snap)
	return snap, nil
}

// LatestPriceSnapshot returns the snapshot with the newest collection time.
func (s *Store) LatestPriceSnapshot(_ context.Context, feedID string) (pricefeed.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.priceSnapshots[feedID]
	if len(snaps) == 0 {
		return pricefeed.Snapshot{}, fmt.Errorf("price snapshot for %s: %w", feedID, storage.ErrNotFound)
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if !snap.CollectedAt.Before(latest.CollectedAt) {
			latest = snap
		}
	}
	latest.Price = cloneOrZero(latest.Price)
	return latest, nil
}

func (s *Store) ListPriceSnapshots(_ context.Context, feedID string, limit int) ([]pricefeed.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.priceSnapshots[feedID]
	out := make([]pricefeed.Snapshot, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, snaps[i])
	}
	return out, nil
}

func prepareRecord(rec custody.Record) custody.Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
