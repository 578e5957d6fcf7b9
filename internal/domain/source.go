package domain

import (
	"encoding/json"
	"fmt"
)

// SourceKind names a RefundSource variant in its serialized form.
type SourceKind string

const (
	SourceUserFunds SourceKind = "user_funds"
	SourceTreasury  SourceKind = "treasury"
	SourceHybrid    SourceKind = "hybrid"
)

// RefundSource says where the value for a refund comes from.
// The set of variants is closed: UserFunds, TreasurySource and Hybrid.
type RefundSource interface {
	Kind() SourceKind
	isRefundSource()
}

// UserFunds refunds are settled by the originating service, never by the
// treasury pipeline.
type UserFunds struct {
	FromUser string `json:"from_user"`
}

// TreasurySource refunds are paid entirely out of the shared treasury.
type TreasurySource struct {
	RequiresApproval bool `json:"requires_approval"`
}

// Hybrid refunds split the amount between the requester's own prior funds
// and the treasury.
type Hybrid struct {
	UserPortion     int64 `json:"user_portion"`
	TreasuryPortion int64 `json:"treasury_portion"`
}

func (UserFunds) Kind() SourceKind      { return SourceUserFunds }
func (TreasurySource) Kind() SourceKind { return SourceTreasury }
func (Hybrid) Kind() SourceKind         { return SourceHybrid }

func (UserFunds) isRefundSource()      {}
func (TreasurySource) isRefundSource() {}
func (Hybrid) isRefundSource()         {}

// TouchesTreasury reports whether src is eligible for the staged treasury pipeline.
func TouchesTreasury(src RefundSource) bool {
	switch src.(type) {
	case TreasurySource, Hybrid:
		return true
	case UserFunds:
		return false
	default:
		panic(fmt.Sprintf("unhandled refund source %T", src))
	}
}

// TreasuryAmount is the part of amount that must be withdrawn from the treasury.
func TreasuryAmount(src RefundSource, amount int64) int64 {
	switch s := src.(type) {
	case TreasurySource:
		return amount
	case Hybrid:
		return s.TreasuryPortion
	case UserFunds:
		return 0
	default:
		panic(fmt.Sprintf("unhandled refund source %T", src))
	}
}

// sourceEnvelope is the tagged JSON form shared by storage and the HTTP API.
type sourceEnvelope struct {
	Kind             SourceKind `json:"kind"`
	FromUser         string     `json:"from_user,omitempty"`
	RequiresApproval *bool      `json:"requires_approval,omitempty"`
	UserPortion      int64      `json:"user_portion,omitempty"`
	TreasuryPortion  int64      `json:"treasury_portion,omitempty"`
}

// MarshalSource encodes src as {"kind": ..., ...}.
func MarshalSource(src RefundSource) ([]byte, error) {
	var env sourceEnvelope
	switch s := src.(type) {
	case UserFunds:
		env = sourceEnvelope{Kind: SourceUserFunds, FromUser: s.FromUser}
	case TreasurySource:
		ra := s.RequiresApproval
		env = sourceEnvelope{Kind: SourceTreasury, RequiresApproval: &ra}
	case Hybrid:
		env = sourceEnvelope{Kind: SourceHybrid, UserPortion: s.UserPortion, TreasuryPortion: s.TreasuryPortion}
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unhandled refund source %T", src)
	}
	return json.Marshal(env)
}

// UnmarshalSource decodes the tagged form produced by MarshalSource.
func UnmarshalSource(data []byte) (RefundSource, error) {
	if string(data) == "null" || len(data) == 0 {
		return nil, nil
	}
	var env sourceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode refund source: %w", err)
	}
	switch env.Kind {
	case SourceUserFunds:
		return UserFunds{FromUser: env.FromUser}, nil
	case SourceTreasury:
		// Requiring approval is the safe default when the flag is omitted.
		ra := true
		if env.RequiresApproval != nil {
			ra = *env.RequiresApproval
		}
		return TreasurySource{RequiresApproval: ra}, nil
	case SourceHybrid:
		return Hybrid{UserPortion: env.UserPortion, TreasuryPortion: env.TreasuryPortion}, nil
	default:
		return nil, fmt.Errorf("unknown refund source kind %q", env.Kind)
	}
}

// SourceJSON wraps a RefundSource so it can be embedded in JSON documents.
type SourceJSON struct {
	RefundSource
}

func (s SourceJSON) MarshalJSON() ([]byte, error) {
	return MarshalSource(s.RefundSource)
}

func (s *SourceJSON) UnmarshalJSON(data []byte) error {
	src, err := UnmarshalSource(data)
	if err != nil {
		return err
	}
	s.RefundSource = src
	return nil
}
