package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"xscraper/pkg/models"
)

// Fingerprint derives the stable checkpoint key for a normalized search
// scope. Marshalling through a map gives deterministic, sorted JSON keys,
// so the same logical query always hashes the same.
func Fingerprint(req models.SearchRequest, since, until string) string {
	raw, _ := json.Marshal(req)
	var payload map[string]interface{}
	_ = json.Unmarshal(raw, &payload)
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["since"] = since
	payload["until"] = until

	canonical, _ := json.Marshal(payload)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ProfileFingerprint derives the checkpoint key for one profile target.
func ProfileFingerprint(handle string) string {
	sum := sha256.Sum256([]byte("profile:" + handle))
	return hex.EncodeToString(sum[:])
}
