package earn

import (
	"time"
)

const (
	// Period is the fixed length of one accrual period
	Period = 24 * time.Hour

	// PeriodSeconds is Period in whole seconds
	PeriodSeconds = 86400

	// DefaultBaseRate is the base reward rate in units per hour
	DefaultBaseRate = 2.5

	// ReferralBonus is the rate increase contributed by each active referral
	ReferralBonus = 0.1

	// MinUsernameLength is the minimum length of a trimmed username
	MinUsernameLength = 3

	// DefaultSessionCacheSize bounds the number of sessions kept in memory
	DefaultSessionCacheSize = 1024
)

// Referral is one member of an identity's referral team
type Referral struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Active bool   `json:"active"`
}

// Session is the per-identity accrual record.
//
// StartedAt and ExpiresAt are either both zero or ExpiresAt is exactly
// StartedAt plus Period.
type Session struct {
	Username         string
	BaseRate         float64
	Referrals        []Referral
	StartedAt        time.Time
	ExpiresAt        time.Time
	AccumulatedTotal float64
}

// Started reports whether the session holds an accrual period, running or finished.
func (s *Session) Started() bool {
	return !s.StartedAt.IsZero() && !s.ExpiresAt.IsZero()
}

// Accruing reports whether the period is still running at now.
func (s *Session) Accruing(now time.Time) bool {
	return s.Started() && now.Before(s.ExpiresAt)
}

// UsernameLocked reports whether a username has been confirmed.
func (s *Session) UsernameLocked() bool {
	return s.Username != ""
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Referrals = append(make([]Referral, 0, len(s.Referrals)), s.Referrals...)
	return &c
}

func (s *Session) referralIndex(handle string) int {
	for i, r := range s.Referrals {
		if r.Handle == handle {
			return i
		}
	}
	return -1
}

// Snapshot is the accrual state derived from a Session at one instant.
// It is never stored.
type Snapshot struct {
	// MinedAmount is the amount accrued in the current or last period
	MinedAmount float64
	// Balance is AccumulatedTotal plus MinedAmount
	Balance          float64
	SecondsRemaining int64
	IsActive         bool
	EffectiveRate    float64
	ActiveReferrals  int
	TotalReferrals   int
}
