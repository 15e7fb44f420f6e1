package earn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var errCorruptRecord = errors.New("corrupt record")

// record is the persisted layout of a Session. Timestamps are ms since epoch.
type record struct {
	Username         *string    `json:"username"`
	BaseRate         float64    `json:"baseRate"`
	StartedAt        *int64     `json:"startedAt"`
	ExpiresAt        *int64     `json:"expiresAt"`
	Referrals        []Referral `json:"referrals"`
	AccumulatedTotal float64    `json:"accumulatedTotal"`
}

// backupRecord mirrors the most recently written identity record.
type backupRecord struct {
	IdentityKey string          `json:"identityKey"`
	Record      json.RawMessage `json:"record"`
}

func encodeSession(s *Session) ([]byte, error) {
	rec := record{
		BaseRate:         s.BaseRate,
		Referrals:        s.Referrals,
		AccumulatedTotal: s.AccumulatedTotal,
	}
	if rec.Referrals == nil {
		rec.Referrals = []Referral{}
	}
	if s.Username != "" {
		name := s.Username
		rec.Username = &name
	}
	if s.Started() {
		started, expires := s.StartedAt.UnixMilli(), s.ExpiresAt.UnixMilli()
		rec.StartedAt, rec.ExpiresAt = &started, &expires
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*Session, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}

	s := &Session{
		BaseRate:         rec.BaseRate,
		Referrals:        rec.Referrals,
		AccumulatedTotal: rec.AccumulatedTotal,
	}
	if s.Referrals == nil {
		s.Referrals = []Referral{}
	}
	if rec.Username != nil {
		s.Username = *rec.Username
	}

	switch {
	case rec.StartedAt == nil && rec.ExpiresAt == nil:
	case rec.StartedAt == nil || rec.ExpiresAt == nil:
		return nil, fmt.Errorf("%w: half-set period", errCorruptRecord)
	case *rec.ExpiresAt-*rec.StartedAt != Period.Milliseconds():
		return nil, fmt.Errorf("%w: period is not %s", errCorruptRecord, Period)
	default:
		s.StartedAt = time.UnixMilli(*rec.StartedAt).UTC()
		s.ExpiresAt = time.UnixMilli(*rec.ExpiresAt).UTC()
	}

	if err := checkSession(s); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return s, nil
}

func encodeBackup(identityKey string, recordData []byte) ([]byte, error) {
	data, err := json.Marshal(backupRecord{
		IdentityKey: identityKey,
		Record:      recordData,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal backup: %w", err)
	}
	return data, nil
}

func decodeBackup(data []byte) (*backupRecord, error) {
	var b backupRecord
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if b.IdentityKey == "" || len(b.Record) == 0 {
		return nil, fmt.Errorf("%w: empty backup", errCorruptRecord)
	}
	return &b, nil
}

// checkSession applies the rules a stored record must satisfy to load back.
func checkSession(s *Session) error {
	if !validAmount(s.BaseRate) || s.BaseRate <= 0 {
		return fmt.Errorf("bad base rate %v", s.BaseRate)
	}
	if !validAmount(s.AccumulatedTotal) || s.AccumulatedTotal < 0 {
		return fmt.Errorf("bad accumulated total %v", s.AccumulatedTotal)
	}
	if s.StartedAt.IsZero() != s.ExpiresAt.IsZero() {
		return errors.New("half-set period")
	}
	if s.Started() && s.ExpiresAt.UnixMilli()-s.StartedAt.UnixMilli() != Period.Milliseconds() {
		return fmt.Errorf("period is not %s", Period)
	}
	return nil
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
