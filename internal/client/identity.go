package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nuetzliches/courier/internal/retry"
	"github.com/nuetzliches/courier/internal/snapshot"
	"github.com/nuetzliches/courier/internal/storage"
)

// Identity is the locally known profile of the device user.
type Identity struct {
	AnonymousID string `json:"anonymous_id"`
	ExternalID  string `json:"external_id,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	PushToken   string `json:"push_token,omitempty"`
}

func newIdentity() Identity {
	return Identity{AnonymousID: uuid.NewString()}
}

// clearField empties the identity field the server rejected. It reports
// whether anything changed.
func (id *Identity) clearField(field string) bool {
	switch field {
	case retry.FieldEmail:
		if id.Email == "" {
			return false
		}
		id.Email = ""
	case retry.FieldPhoneNumber:
		if id.PhoneNumber == "" {
			return false
		}
		id.PhoneNumber = ""
	default:
		return false
	}
	return true
}

func identityLocation(accountKey string) string {
	return "state-" + snapshot.SanitizeKey(accountKey) + ".json"
}

// loadIdentity reads the identity of accountKey. A missing or unreadable
// state yields a fresh identity.
func loadIdentity(st storage.Storage, accountKey string) (Identity, error) {
	b, err := st.Read(identityLocation(accountKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newIdentity(), nil
		}
		return newIdentity(), err
	}
	var id Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return newIdentity(), fmt.Errorf("decode identity state: %w", err)
	}
	if id.AnonymousID == "" {
		id.AnonymousID = uuid.NewString()
	}
	return id, nil
}

func saveIdentity(st storage.Storage, accountKey string, id Identity) error {
	b, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return st.Write(identityLocation(accountKey), b)
}
