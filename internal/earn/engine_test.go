package earn

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ideaqlabs/earn/internal/storage"
	"github.com/ideaqlabs/earn/internal/storage/memory"
	"github.com/rs/zerolog"
)

// flakyStore wraps a memory store and fails reads or writes on demand.
type flakyStore struct {
	*memory.Store
	mu      sync.Mutex
	failGet bool
	failSet bool
}

var errDiskFull = errors.New("quota exceeded")

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, errors.New("storage unavailable")
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return f.Store.Set(ctx, key, value)
}

func newTestEngine(t *testing.T, store storage.Store) *Engine {
	t.Helper()

	engine, err := NewEngine(store, Config{
		BaseRate:      2.5,
		BackupEnabled: true,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestConfirmUsernameValidation(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	for _, candidate := range []string{"", "ab", "  ab  ", "   "} {
		if _, err := engine.ConfirmUsername(ctx, "alice", candidate); !errors.Is(err, ErrValidation) {
			t.Errorf("ConfirmUsername(%q) error = %v, want ErrValidation", candidate, err)
		}
	}

	name, err := engine.ConfirmUsername(ctx, "alice", "  abc ")
	if err != nil {
		t.Fatalf("confirm abc: %v", err)
	}
	if name != "abc" {
		t.Fatalf("expected trimmed name abc, got %q", name)
	}
}

func TestConfirmUsernameOnlyOnce(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)
	ctx := context.Background()

	if _, err := engine.ConfirmUsername(ctx, "alice", "first"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if _, err := engine.ConfirmUsername(ctx, "alice", "second"); !errors.Is(err, ErrUsernameAlreadySet) {
		t.Fatalf("expected ErrUsernameAlreadySet, got %v", err)
	}

	session, err := engine.Session(ctx, "alice")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Username != "first" {
		t.Fatalf("expected username to stay first, got %q", session.Username)
	}

	// A fresh engine over the same store sees the locked name too
	reloaded := newTestEngine(t, store)
	if _, err := reloaded.ConfirmUsername(ctx, "alice", "third"); !errors.Is(err, ErrUsernameAlreadySet) {
		t.Fatalf("expected ErrUsernameAlreadySet after reload, got %v", err)
	}
}

func TestStartAccrualRequiresUsername(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	if _, err := engine.StartAccrual(ctx, "alice", t0); !errors.Is(err, ErrUsernameRequired) {
		t.Fatalf("expected ErrUsernameRequired, got %v", err)
	}

	stored, err := engine.LoadSession(ctx, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored != nil {
		t.Fatalf("rejected start must not persist anything, got %+v", stored)
	}
}

func TestStartAccrualRejectsWhileActive(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	if _, err := engine.ConfirmUsername(ctx, "alice", "alice"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	started, err := engine.StartAccrual(ctx, "alice", t0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !started.ExpiresAt.Equal(t0.Add(Period)) {
		t.Fatalf("expected expiry at start+24h, got %s", started.ExpiresAt)
	}

	for _, offset := range []time.Duration{0, time.Hour, Period - time.Millisecond} {
		if _, err := engine.StartAccrual(ctx, "alice", t0.Add(offset)); !errors.Is(err, ErrAlreadyActive) {
			t.Fatalf("+%s: expected ErrAlreadyActive, got %v", offset, err)
		}
	}

	session, _ := engine.Session(ctx, "alice")
	if !session.StartedAt.Equal(t0) || !session.ExpiresAt.Equal(t0.Add(Period)) {
		t.Fatalf("rejected start mutated the period: %s - %s", session.StartedAt, session.ExpiresAt)
	}
}

func TestStartAccrualCompoundsAfterExpiry(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	if _, err := engine.ConfirmUsername(ctx, "alice", "alice"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := engine.StartAccrual(ctx, "alice", t0); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, snap, err := engine.Snapshot(ctx, "alice", t0.Add(Period))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.IsActive || snap.MinedAmount != 60 {
		t.Fatalf("expected inactive with 60 mined at expiry, got %+v", snap)
	}

	restart := t0.Add(Period + 2*time.Hour)
	session, err := engine.StartAccrual(ctx, "alice", restart)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if session.AccumulatedTotal != 60 {
		t.Fatalf("expected 60 carried into running total, got %v", session.AccumulatedTotal)
	}

	_, snap, _ = engine.Snapshot(ctx, "alice", restart.Add(time.Hour))
	if snap.MinedAmount != 2.5 {
		t.Fatalf("expected 2.5 mined in new period, got %v", snap.MinedAmount)
	}
	if snap.Balance != 62.5 {
		t.Fatalf("expected balance 62.5, got %v", snap.Balance)
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	want := &Session{
		Username:         "alice",
		BaseRate:         3.25,
		Referrals:        sampleReferrals(),
		StartedAt:        t0,
		ExpiresAt:        t0.Add(Period),
		AccumulatedTotal: 123.45678901,
	}
	if err := engine.Persist(ctx, "alice", want); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, err := engine.LoadSession(ctx, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	idle := &Session{BaseRate: 2.5, Referrals: []Referral{}}
	if err := engine.Persist(ctx, "guest", idle); err != nil {
		t.Fatalf("persist idle: %v", err)
	}
	got, _ = engine.LoadSession(ctx, "guest")
	if !reflect.DeepEqual(got, idle) {
		t.Fatalf("idle round trip mismatch: %+v", got)
	}
}

func TestPersistNormalizesTimestamps(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	start := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("X", 3600))
	session := &Session{
		Username:  "alice",
		BaseRate:  2.5,
		Referrals: []Referral{},
		StartedAt: start,
		ExpiresAt: start.Add(Period),
	}
	if err := engine.Persist(ctx, "alice", session); err != nil {
		t.Fatalf("persist: %v", err)
	}

	want := session.Clone()
	want.StartedAt = time.UnixMilli(start.UnixMilli()).UTC()
	want.ExpiresAt = want.StartedAt.Add(Period)

	got, err := engine.LoadSession(ctx, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("stored session mismatch:\n got %+v\nwant %+v", got, want)
	}

	cached, err := engine.Session(ctx, "alice")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !reflect.DeepEqual(cached, got) {
		t.Fatalf("cached copy differs from stored copy:\n got %+v\nwant %+v", cached, got)
	}
	if session.StartedAt != start {
		t.Fatal("caller's session was modified")
	}
}

func TestPersistRejectsInvalidSession(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)
	ctx := context.Background()

	if _, err := engine.ConfirmUsername(ctx, "alice", "alice"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	tests := []struct {
		name    string
		session *Session
	}{
		{"short period", &Session{Username: "alice", BaseRate: 2.5, StartedAt: t0, ExpiresAt: t0.Add(time.Hour)}},
		{"zero rate", &Session{Username: "alice"}},
		{"negative rate", &Session{Username: "alice", BaseRate: -1}},
		{"negative total", &Session{Username: "alice", BaseRate: 2.5, AccumulatedTotal: -3}},
		{"half-set period", &Session{Username: "alice", BaseRate: 2.5, StartedAt: t0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.Persist(ctx, "alice", tt.session); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}

			stored, err := engine.LoadSession(ctx, "alice")
			if err != nil || stored == nil || stored.Username != "alice" || stored.BaseRate != 2.5 {
				t.Fatalf("stored record changed: %+v, %v", stored, err)
			}
			cached, _ := engine.Session(ctx, "alice")
			if cached.BaseRate != 2.5 || cached.Started() {
				t.Fatalf("cached session changed: %+v", cached)
			}
		})
	}
}

func TestLoadSessionTreatsCorruptAsAbsent(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)
	ctx := context.Background()

	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{{"},
		{"wrong type", `{"username": 42}`},
		{"zero rate", `{"username":"a","baseRate":0,"referrals":[]}`},
		{"half-set period", `{"baseRate":2.5,"startedAt":1000,"expiresAt":null}`},
		{"wrong period length", `{"baseRate":2.5,"startedAt":1000,"expiresAt":2000}`},
		{"negative total", `{"baseRate":2.5,"accumulatedTotal":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Set(ctx, RecordKey("alice"), []byte(tt.data)); err != nil {
				t.Fatalf("seed: %v", err)
			}
			session, err := engine.LoadSession(ctx, "alice")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if session != nil {
				t.Fatalf("expected nil session, got %+v", session)
			}
		})
	}
}

func TestCorruptRecordStartsFresh(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_ = store.Set(ctx, RecordKey("alice"), []byte("garbage"))

	engine := newTestEngine(t, store)
	if _, err := engine.ConfirmUsername(ctx, "alice", "alice"); err != nil {
		t.Fatalf("confirm over corrupt record: %v", err)
	}
	session, err := engine.LoadSession(ctx, "alice")
	if err != nil || session == nil || session.Username != "alice" {
		t.Fatalf("expected rewritten record, got %+v (%v)", session, err)
	}
}

func TestIdentitiesAreIsolated(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)
	ctx := context.Background()

	steps := []func() error{
		func() error { _, err := engine.ConfirmUsername(ctx, "alice@example.com", "alice"); return err },
		func() error { _, err := engine.ConfirmUsername(ctx, "bob@example.com", "bobby"); return err },
		func() error { _, err := engine.StartAccrual(ctx, "bob@example.com", t0); return err },
		func() error {
			_, err := engine.AddReferral(ctx, "alice@example.com", Referral{Name: "Zed", Handle: "zed", Active: true}, t0)
			return err
		},
		func() error { _, err := engine.StartAccrual(ctx, "alice@example.com", t0.Add(time.Hour)); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	alice, _ := engine.LoadSession(ctx, "alice@example.com")
	bob, _ := engine.LoadSession(ctx, "bob@example.com")

	if alice.Username != "alice" || bob.Username != "bobby" {
		t.Fatalf("usernames crossed: alice=%q bob=%q", alice.Username, bob.Username)
	}
	if len(alice.Referrals) != 1 || len(bob.Referrals) != 0 {
		t.Fatalf("referrals crossed: alice=%v bob=%v", alice.Referrals, bob.Referrals)
	}
	if !alice.StartedAt.Equal(t0.Add(time.Hour)) || !bob.StartedAt.Equal(t0) {
		t.Fatalf("periods crossed: alice=%s bob=%s", alice.StartedAt, bob.StartedAt)
	}

	ids, err := engine.Identities(ctx)
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"alice@example.com", "bob@example.com"}) {
		t.Fatalf("unexpected identities %v", ids)
	}
}

func TestPersistDoesNotTouchOtherKeys(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)
	ctx := context.Background()

	if _, err := engine.ConfirmUsername(ctx, "bob", "bobby"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	before, _ := store.Get(ctx, RecordKey("bob"))

	if err := engine.Persist(ctx, "alice", &Session{Username: "alice", BaseRate: 9}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	after, _ := store.Get(ctx, RecordKey("bob"))
	if string(before) != string(after) {
		t.Fatalf("bob's record changed: %s -> %s", before, after)
	}
}

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failSet: true}
	engine := newTestEngine(t, store)
	ctx := context.Background()

	name, err := engine.ConfirmUsername(ctx, "alice", "alice")
	if name != "alice" {
		t.Fatalf("expected name despite write failure, got %q", name)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PersistenceError, got %v", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected cause to unwrap, got %v", err)
	}

	session, err := engine.StartAccrual(ctx, "alice", t0)
	if !IsPersistenceError(err) {
		t.Fatalf("expected persistence error on start, got %v", err)
	}
	if session == nil || !session.StartedAt.Equal(t0) {
		t.Fatalf("expected in-memory session to start, got %+v", session)
	}

	_, snap, err := engine.Snapshot(ctx, "alice", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.IsActive || snap.MinedAmount != 2.5 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestReadFailureIsReported(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failGet: true}
	engine := newTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.ConfirmUsername(ctx, "alice", "alice")
	if !IsPersistenceError(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	// Once storage recovers the engine reads again instead of using a cached blank
	store.mu.Lock()
	store.failGet = false
	store.mu.Unlock()
	if _, err := engine.ConfirmUsername(ctx, "alice", "alice"); err != nil {
		t.Fatalf("confirm after recovery: %v", err)
	}
}

func TestReferralManagement(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	if _, err := engine.AddReferral(ctx, "alice", Referral{Name: "Alex", Handle: "alex1001"}, t0); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := engine.AddReferral(ctx, "alice", Referral{Name: "Alex", Handle: "alex1001"}, t0); !errors.Is(err, ErrReferralExists) {
		t.Fatalf("expected ErrReferralExists, got %v", err)
	}
	if _, err := engine.AddReferral(ctx, "alice", Referral{Name: " ", Handle: "x"}, t0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := engine.SetReferralActive(ctx, "alice", "nobody", true, t0); !errors.Is(err, ErrReferralNotFound) {
		t.Fatalf("expected ErrReferralNotFound, got %v", err)
	}

	if _, err := engine.SetReferralActive(ctx, "alice", " alex1001 ", false, t0); err != nil {
		t.Fatalf("expected padded handle to match, got %v", err)
	}

	session, err := engine.SetReferralActive(ctx, "alice", "alex1001", true, t0)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if ComputeSnapshot(session, t0).EffectiveRate != EffectiveRate(2.5, 1) {
		t.Fatal("expected activation to raise the effective rate")
	}

	if _, err := engine.AddReferral(ctx, "alice", Referral{Name: "Maria", Handle: "maria1002"}, t0); err != nil {
		t.Fatalf("add second: %v", err)
	}
	inactive, err := engine.InactiveReferrals(ctx, "alice")
	if err != nil {
		t.Fatalf("inactive: %v", err)
	}
	if len(inactive) != 1 || inactive[0].Handle != "maria1002" {
		t.Fatalf("unexpected inactive list %v", inactive)
	}
}

func TestReferralChangeAfterExpiryKeepsFinalAmount(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	_, _ = engine.ConfirmUsername(ctx, "alice", "alice")
	_, _ = engine.AddReferral(ctx, "alice", Referral{Name: "Alex", Handle: "alex"}, t0)
	if _, err := engine.StartAccrual(ctx, "alice", t0); err != nil {
		t.Fatalf("start: %v", err)
	}

	after := t0.Add(Period + time.Hour)
	session, err := engine.SetReferralActive(ctx, "alice", "alex", true, after)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if session.AccumulatedTotal != 60 {
		t.Fatalf("expected finished period settled at the old rate (60), got %v", session.AccumulatedTotal)
	}
	if session.Started() {
		t.Fatal("expected settled period to be cleared")
	}
	if snap := ComputeSnapshot(session, after); snap.Balance != 60 {
		t.Fatalf("expected balance 60, got %v", snap.Balance)
	}
}

func TestRecoverFromBackup(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)
	ctx := context.Background()

	if _, err := engine.ConfirmUsername(ctx, "alice", "alice"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := engine.StartAccrual(ctx, "alice", t0); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = store.Set(ctx, RecordKey("alice"), []byte("corrupted"))

	fresh := newTestEngine(t, store)
	if _, err := fresh.Recover(ctx, "bob"); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("expected ErrNoBackup for other identity, got %v", err)
	}

	restored, err := fresh.Recover(ctx, "alice")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if restored.Username != "alice" || !restored.StartedAt.Equal(t0) {
		t.Fatalf("unexpected restored session %+v", restored)
	}

	stored, _ := fresh.LoadSession(ctx, "alice")
	if stored == nil || stored.Username != "alice" {
		t.Fatalf("expected restored record to be written back, got %+v", stored)
	}
}

func TestRecoverWithoutBackup(t *testing.T) {
	store := memory.New()
	engine, err := NewEngine(store, Config{BackupEnabled: false}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()

	_, _ = engine.ConfirmUsername(ctx, "alice", "alice")
	if keys, _ := store.Keys(ctx, BackupKey); len(keys) != 0 {
		t.Fatalf("backup written while disabled: %v", keys)
	}

	_ = store.Delete(ctx, RecordKey("alice"))
	if _, err := engine.Recover(ctx, "alice"); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("expected ErrNoBackup, got %v", err)
	}
}

func TestShareText(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	if _, err := engine.ShareText(ctx, "alice"); !errors.Is(err, ErrUsernameRequired) {
		t.Fatalf("expected ErrUsernameRequired, got %v", err)
	}
	_, _ = engine.ConfirmUsername(ctx, "alice", "alice")

	text, err := engine.ShareText(ctx, "alice")
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if text != "Join me on IdeaQ — my username: alice" {
		t.Fatalf("unexpected share text %q", text)
	}
}

func TestForgetKeepsStoredRecord(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)
	ctx := context.Background()

	_, _ = engine.ConfirmUsername(ctx, "alice", "alice")
	engine.Forget("alice")

	session, err := engine.Session(ctx, "alice")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Username != "alice" {
		t.Fatalf("expected record to survive sign-out, got %+v", session)
	}
}

func TestGuestAndUserNamedGuestAreSeparate(t *testing.T) {
	engine := newTestEngine(t, memory.New())
	ctx := context.Background()

	userKey := ResolveIdentityKey(&User{ID: "Guest"})
	guestKey := ResolveIdentityKey(nil)

	if _, err := engine.ConfirmUsername(ctx, userKey, "realuser"); err != nil {
		t.Fatalf("confirm user: %v", err)
	}
	if _, err := engine.ConfirmUsername(ctx, guestKey, "visitor"); err != nil {
		t.Fatalf("guest confirm should not see the user's username: %v", err)
	}

	user, _ := engine.LoadSession(ctx, userKey)
	guest, _ := engine.LoadSession(ctx, guestKey)
	if user.Username != "realuser" || guest.Username != "visitor" {
		t.Fatalf("records mixed: user=%q guest=%q", user.Username, guest.Username)
	}
}

func TestNewSessionSeedsReferrals(t *testing.T) {
	engine, err := NewEngine(memory.New(), Config{SeedReferrals: sampleReferrals()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	session, err := engine.Session(context.Background(), GuestKey)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.BaseRate != DefaultBaseRate {
		t.Fatalf("expected default base rate, got %v", session.BaseRate)
	}
	if len(session.Referrals) != 5 || CountActiveReferrals(session.Referrals) != 2 {
		t.Fatalf("unexpected seeded referrals %v", session.Referrals)
	}

	// Mutating one identity's team leaves the seed untouched
	_, _ = engine.SetReferralActive(context.Background(), GuestKey, "maria1002", true, t0)
	other, _ := engine.Session(context.Background(), "someone")
	if CountActiveReferrals(other.Referrals) != 2 {
		t.Fatal("seed referrals were shared between identities")
	}
}
