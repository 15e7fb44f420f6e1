package earn

import (
	"fmt"
	"math"
	"time"
)

// CountActiveReferrals returns the number of active referrals.
func CountActiveReferrals(referrals []Referral) int {
	n := 0
	for _, r := range referrals {
		if r.Active {
			n++
		}
	}
	return n
}

// EffectiveRate scales baseRate by ten percent per active referral.
func EffectiveRate(baseRate float64, activeReferrals int) float64 {
	return baseRate * (1 + ReferralBonus*float64(activeReferrals))
}

// ComputeSnapshot derives the accrual state of session at now.
//
// Accrual stops at ExpiresAt; past expiry the snapshot keeps the full
// period amount and reports zero seconds remaining. A nil session yields
// the zero Snapshot.
func ComputeSnapshot(session *Session, now time.Time) Snapshot {
	if session == nil {
		return Snapshot{}
	}
	active := CountActiveReferrals(session.Referrals)
	snap := Snapshot{
		Balance:         roundAmount(session.AccumulatedTotal),
		EffectiveRate:   EffectiveRate(session.BaseRate, active),
		ActiveReferrals: active,
		TotalReferrals:  len(session.Referrals),
	}
	if !session.Started() {
		return snap
	}

	end := session.ExpiresAt
	if now.Before(session.ExpiresAt) {
		end = now
		snap.IsActive = true
		snap.SecondsRemaining = int64(math.Ceil(session.ExpiresAt.Sub(now).Seconds()))
	}

	elapsed := end.Sub(session.StartedAt).Seconds()
	elapsed = math.Max(0, math.Min(elapsed, PeriodSeconds))

	snap.MinedAmount = roundAmount(snap.EffectiveRate * elapsed / 3600)
	snap.Balance = roundAmount(session.AccumulatedTotal + snap.MinedAmount)
	return snap
}

// settle folds a finished period into the running total and clears it.
// It returns the folded amount, or zero if the period is missing or still running.
func settle(session *Session, now time.Time) float64 {
	if !session.Started() || session.Accruing(now) {
		return 0
	}
	final := ComputeSnapshot(session, session.ExpiresAt).MinedAmount
	session.AccumulatedTotal = roundAmount(session.AccumulatedTotal + final)
	session.StartedAt = time.Time{}
	session.ExpiresAt = time.Time{}
	return final
}

// roundAmount keeps eight decimal digits.
func roundAmount(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// FormatCountdown renders seconds as HH:MM:SS.
func FormatCountdown(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// toMillis truncates t to millisecond resolution in UTC, the precision records are stored with.
func toMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
