// Package snapshot persists recorder sessions. Three backends share one
// entry encoding: a single JSON document on disk, a bbolt bucket, and a
// Postgres table.
package snapshot

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/onnwee/convo-recorder/crypto"
	"github.com/onnwee/convo-recorder/record"
)

// codec encodes one session entry. With an encryptor, the entry is the
// base64 ciphertext of the snapshot JSON, stored as a JSON string.
type codec struct {
	enc crypto.Encryptor
}

func (c codec) encode(snap record.SessionSnapshot) (json.RawMessage, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if c.enc == nil {
		return raw, nil
	}
	sealed, err := crypto.EncryptString(c.enc, string(raw))
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}
	return json.Marshal(sealed)
}

func (c codec) decode(raw json.RawMessage) (record.SessionSnapshot, error) {
	var snap record.SessionSnapshot
	if len(raw) > 0 && raw[0] == '"' {
		if c.enc == nil {
			return snap, fmt.Errorf("entry is encrypted but no key is configured")
		}
		var sealed string
		if err := json.Unmarshal(raw, &sealed); err != nil {
			return snap, err
		}
		plain, err := crypto.DecryptString(c.enc, sealed)
		if err != nil {
			return snap, err
		}
		raw = json.RawMessage(plain)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func chatKey(chatID int64) string { return strconv.FormatInt(chatID, 10) }

func parseChatKey(k string) (int64, error) { return strconv.ParseInt(k, 10, 64) }
