package index

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/klingon-exchange/klingwatch/pkg/helpers"
)

// ScriptHash is the SHA-256 digest of an output script. Wallets subscribe by
// script hash; its hex rendering uses reversed byte order, matching the
// convention Electrum clients use for txids.
type ScriptHash [32]byte

// NewScriptHash hashes an output script.
func NewScriptHash(script []byte) ScriptHash {
	return sha256.Sum256(script)
}

// NewScriptHashFromStr parses the reversed-hex rendering used on the wire.
func NewScriptHashFromStr(s string) (ScriptHash, error) {
	var h ScriptHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid script hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid script hash length %d", len(b))
	}
	copy(h[:], helpers.ReverseBytes(b))
	return h, nil
}

func (h ScriptHash) String() string {
	return hex.EncodeToString(helpers.ReverseBytes(h[:]))
}

// StatusHash is the digest summarizing a subscription's ordered history.
// Unlike txids it is rendered in natural byte order.
type StatusHash [32]byte

func (h StatusHash) String() string {
	return hex.EncodeToString(h[:])
}
