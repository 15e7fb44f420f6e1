package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ideaqlabs/earn/internal/earn"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// UsernameRequest confirms a username.
type UsernameRequest struct {
	Username string `json:"username"`
}

// ReferralRequest adds a referral to the team.
type ReferralRequest struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Active bool   `json:"active"`
}

// ReferralUpdateRequest flips a referral's activity.
type ReferralUpdateRequest struct {
	Active *bool `json:"active"`
}

// SessionResponse describes the stored session of the caller.
type SessionResponse struct {
	Identity         string          `json:"identity"`
	DisplayName      string          `json:"display_name,omitempty"`
	Username         string          `json:"username,omitempty"`
	BaseRate         float64         `json:"base_rate"`
	Referrals        []earn.Referral `json:"referrals"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	AccumulatedTotal float64         `json:"accumulated_total"`
	Warning          string          `json:"warning,omitempty"`
}

// SnapshotResponse is the live accrual state shown on the rewards page.
type SnapshotResponse struct {
	Identity         string     `json:"identity"`
	Username         string     `json:"username,omitempty"`
	MinedAmount      float64    `json:"mined_amount"`
	Balance          float64    `json:"balance"`
	SecondsRemaining int64      `json:"seconds_remaining"`
	Countdown        string     `json:"countdown"`
	IsActive         bool       `json:"is_active"`
	EffectiveRate    float64    `json:"effective_rate"`
	ActiveReferrals  int        `json:"active_referrals"`
	TotalReferrals   int        `json:"total_referrals"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Warning          string     `json:"warning,omitempty"`
}

func newSessionResponse(id identity, s *earn.Session) SessionResponse {
	resp := SessionResponse{
		Identity:         id.key,
		DisplayName:      id.displayName,
		Username:         s.Username,
		BaseRate:         s.BaseRate,
		Referrals:        s.Referrals,
		AccumulatedTotal: s.AccumulatedTotal,
	}
	if resp.Referrals == nil {
		resp.Referrals = []earn.Referral{}
	}
	if s.Started() {
		started, expires := s.StartedAt, s.ExpiresAt
		resp.StartedAt, resp.ExpiresAt = &started, &expires
	}
	return resp
}

func newSnapshotResponse(id identity, s *earn.Session, snap earn.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{
		Identity:         id.key,
		Username:         s.Username,
		MinedAmount:      snap.MinedAmount,
		Balance:          snap.Balance,
		SecondsRemaining: snap.SecondsRemaining,
		Countdown:        earn.FormatCountdown(snap.SecondsRemaining),
		IsActive:         snap.IsActive,
		EffectiveRate:    snap.EffectiveRate,
		ActiveReferrals:  snap.ActiveReferrals,
		TotalReferrals:   snap.TotalReferrals,
	}
	if s.Started() {
		expires := s.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
