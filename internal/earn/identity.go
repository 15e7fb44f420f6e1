package earn

import "strings"

const (
	// GuestKey is the identity key used when nobody is signed in
	GuestKey = "guest"

	// reservedKeyPrefix escapes authenticated ids that would collide with GuestKey
	reservedKeyPrefix = "user:"

	recordKeyPrefix = "earn:v1:record:"

	// BackupKey holds a mirror of the most recently written record
	BackupKey = "earn:v1:backup"
)

// Identity is the signed-in user as seen by the engine.
type Identity interface {
	// StableID returns an identifier that does not change between sign-ins
	StableID() string
	// DisplayName returns a human-readable name, possibly empty
	DisplayName() string
}

// UserMetadata carries optional provider profile fields.
type UserMetadata struct {
	Email    string `json:"email,omitempty"`
	ID       string `json:"id,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Name     string `json:"name,omitempty"`
}

// User is an authenticated account as supplied by the sign-in provider.
type User struct {
	ID       string       `json:"id,omitempty"`
	Email    string       `json:"email,omitempty"`
	Metadata UserMetadata `json:"user_metadata"`
}

// StableID prefers Email, then ID, then the metadata copies of each.
func (u *User) StableID() string {
	if u == nil {
		return ""
	}
	return firstNonEmpty(u.Email, u.ID, u.Metadata.Email, u.Metadata.ID)
}

// DisplayName prefers the profile name, falling back to the email.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	return firstNonEmpty(u.Metadata.FullName, u.Metadata.Name, u.Email, u.Metadata.Email)
}

// ResolveIdentityKey maps an identity to its storage partition.
// A nil identity, or one without a stable id, maps to GuestKey. No
// authenticated identity resolves to GuestKey: an id equal to it, or one
// already carrying the reserved prefix, is prefixed once more.
func ResolveIdentityKey(id Identity) string {
	if id == nil {
		return GuestKey
	}
	if u, ok := id.(*User); ok && u == nil {
		return GuestKey
	}
	key := strings.ToLower(strings.TrimSpace(id.StableID()))
	if key == "" {
		return GuestKey
	}
	if key == GuestKey || strings.HasPrefix(key, reservedKeyPrefix) {
		return reservedKeyPrefix + key
	}
	return key
}

// RecordKey returns the storage key of an identity's record.
func RecordKey(identityKey string) string {
	return recordKeyPrefix + identityKey
}

// IdentityFromRecordKey is the inverse of RecordKey.
func IdentityFromRecordKey(key string) (string, bool) {
	if !strings.HasPrefix(key, recordKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, recordKeyPrefix), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
