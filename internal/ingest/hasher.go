package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// KeyHasher derives the stored ingestion key for an (owner, external id)
// pair. The secret keeps provider ids out of the database in usable form.
type KeyHasher struct {
	secret []byte
}

func NewKeyHasher(secret string) (*KeyHasher, error) {
	if secret == "" {
		return nil, errors.New("ingest hash secret is required")
	}
	return &KeyHasher{secret: []byte(secret)}, nil
}

// Hash returns hex(HMAC-SHA256(secret, ownerID ‖ externalID)). The input is
// the bare concatenation so hashes match records stored by earlier writers.
func (h *KeyHasher) Hash(ownerID, externalID string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(ownerID))
	mac.Write([]byte(externalID))
	return hex.EncodeToString(mac.Sum(nil))
}
