package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashPayload fingerprints endpoint and payload. The payload is re-encoded
// through a generic value so object keys are sorted and struct field order
// or whitespace do not change the hash.
func HashPayload(endpoint string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
