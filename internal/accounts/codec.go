package accounts

import (
	"encoding/json"
	"log/slog"

	"valoqueue/internal/security"
)

// sealedBlob is the at-rest form of an encrypted credential blob. It is
// itself a JSON object so the store's blob validation accepts it.
type sealedBlob struct {
	Enc string `json:"enc"`
}

type blobCodec struct {
	key []byte
	log *slog.Logger
}

func (c *blobCodec) seal(auth json.RawMessage) json.RawMessage {
	if len(auth) == 0 {
		return auth
	}
	// already sealed blobs pass through
	var probe sealedBlob
	if err := json.Unmarshal(auth, &probe); err == nil && probe.Enc != "" {
		return auth
	}
	enc, err := security.EncryptBlob(auth, c.key)
	if err != nil {
		c.log.Error("credential_seal_failed", "error", err)
		return auth
	}
	sealed, err := json.Marshal(sealedBlob{Enc: enc})
	if err != nil {
		c.log.Error("credential_seal_failed", "error", err)
		return auth
	}
	return sealed
}

func (c *blobCodec) open(auth json.RawMessage) json.RawMessage {
	if len(auth) == 0 {
		return auth
	}
	var probe sealedBlob
	if err := json.Unmarshal(auth, &probe); err != nil || probe.Enc == "" {
		// plaintext blob from before encryption was enabled
		return auth
	}
	plain, err := security.DecryptBlob(probe.Enc, c.key)
	if err != nil {
		c.log.Error("credential_open_failed", "error", err)
		return auth
	}
	return plain
}
