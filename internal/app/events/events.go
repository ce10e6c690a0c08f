// Package events fans committed custody records out to subscribers.
package events

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
)

// Publisher receives records after they are committed.
type Publisher interface {
	Publish(ctx context.Context, rec custody.Record) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, rec custody.Record) error

func (f PublisherFunc) Publish(ctx context.Context, rec custody.Record) error {
	return f(ctx, rec)
}

// Nop discards every record.
var Nop Publisher = PublisherFunc(func(context.Context, custody.Record) error { return nil })

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, rec custody.Record) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Event is the wire form of a record. Amounts are decimal strings.
type Event struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Account         string    `json:"account,omitempty"`
	Asset           string    `json:"asset,omitempty"`
	Amount          string    `json:"amount,omitempty"`
	NormalizedValue string    `json:"normalized_value,omitempty"`
	Old             string    `json:"old,omitempty"`
	New             string    `json:"new,omitempty"`
	Precision       *int      `json:"precision,omitempty"`
	Reference       string    `json:"reference,omitempty"`
	Principal       string    `json:"principal,omitempty"`
	Role            string    `json:"role,omitempty"`
	Actor           string    `json:"actor,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// FromRecord converts a record to its wire form.
func FromRecord(rec custody.Record) Event {
	ev := Event{
		ID:              rec.ID,
		Kind:            string(rec.Kind),
		Account:         rec.Account,
		Amount:          intString(rec.Amount),
		NormalizedValue: intString(rec.NormalizedValue),
		Old:             intString(rec.Old),
		New:             intString(rec.New),
		Reference:       rec.Reference,
		Principal:       rec.Principal,
		Role:            string(rec.Role),
		Actor:           rec.Actor,
		CreatedAt:       rec.CreatedAt,
	}
	switch rec.Kind {
	case custody.RecordDeposit, custody.RecordWithdrawal:
		ev.Asset = rec.Asset.String()
	case custody.RecordPrecisionSet:
		ev.Asset = rec.Asset.String()
		p := rec.Precision
		ev.Precision = &p
	}
	return ev
}

func intString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
