// Package netting implements the batching, matching and settlement core:
// trade requests queue per venue leg, opposing legs net against each
// other at the batch boundary, and only the unmatched remainder is
// routed to the external venue.
package netting

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/synthex/internal/ledger"
)

// Token names one tradeable token (synthetic base asset or quote unit).
type Token string

// VenueID identifies one external pool: the token pair plus fee tier.
// TokenA always sorts before TokenB so the same pair yields the same ID
// regardless of trade direction.
type VenueID struct {
	TokenA  Token
	TokenB  Token
	FeeTier uint32
}

// NewVenueID builds the canonical venue ID for a token pair.
func NewVenueID(a, b Token, feeTier uint32) VenueID {
	if b < a {
		a, b = b, a
	}
	return VenueID{TokenA: a, TokenB: b, FeeTier: feeTier}
}

// Legs returns the venue's two bucket keys in canonical token order.
// On equal aggregated totals the first leg is designated the smaller
// side, which keeps the tie-break deterministic.
func (v VenueID) Legs() (BucketKey, BucketKey) {
	return BucketKey{Venue: v, TokenIn: v.TokenA},
		BucketKey{Venue: v, TokenIn: v.TokenB}
}

// BucketKey addresses one request bucket: all pending requests spending
// TokenIn on this venue.
type BucketKey struct {
	Venue   VenueID
	TokenIn Token
}

// TradeRequest is one queued trade leg. After Push, only AmountIn may
// change (decreased once, during partial-fill accounting); every other
// field is immutable.
type TradeRequest struct {
	CorrelationID     uuid.UUID
	TokenIn           Token
	TokenOut          Token
	FeeTier           uint32
	Trader            ledger.Trader
	Recipient         string
	AmountIn          decimal.Decimal
	PriceLimit        decimal.Decimal // zero = unconstrained
	AmountOutEstimate decimal.Decimal
	IsOpen            bool
	IsLong            bool
}

// Venue returns the canonical venue this request trades on.
func (r TradeRequest) Venue() VenueID {
	return NewVenueID(r.TokenIn, r.TokenOut, r.FeeTier)
}

// BucketKey returns the bucket this request queues into.
func (r TradeRequest) BucketKey() BucketKey {
	return BucketKey{Venue: r.Venue(), TokenIn: r.TokenIn}
}

// Validate rejects requests the engine could not settle.
func (r TradeRequest) Validate() error {
	switch {
	case r.TokenIn == "" || r.TokenOut == "":
		return errors.New("netting: token pair must be set")
	case r.TokenIn == r.TokenOut:
		return errors.New("netting: token pair must be distinct")
	case r.Trader == "":
		return errors.New("netting: trader must be set")
	case r.Recipient == "":
		return errors.New("netting: recipient must be set")
	case r.AmountIn.Sign() <= 0:
		return errors.New("netting: amount in must be positive")
	case r.AmountOutEstimate.Sign() < 0:
		return errors.New("netting: amount out estimate must not be negative")
	}
	return nil
}
