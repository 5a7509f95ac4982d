package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// Wallet holds the trading keypair and signs swap transactions.
type Wallet struct {
	priv    ed25519.PrivateKey
	address string
}

// LoadWallet parses a base58-encoded 64-byte keypair (secret key followed by
// public key, the standard Solana export format).
func LoadWallet(secretKey string) (*Wallet, error) {
	raw, err := base58.Decode(secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &Wallet{priv: priv, address: base58.Encode(pub)}, nil
}

// Address returns the wallet's base58 public key.
func (w *Wallet) Address() string {
	return w.address
}

// SignTransaction signs a base64-serialized transaction whose only required
// signer is this wallet. It returns the signed transaction, still base64, and
// the base58 signature. The wire layout is a compact-u16 count of 64-byte
// signature slots followed by the message; Jupiter returns the slots zeroed.
func (w *Wallet) SignTransaction(txBase64 string) (signed string, signature string, err error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	numSigs, offset, err := decodeCompactU16(raw)
	if err != nil {
		return "", "", err
	}
	if numSigs != 1 {
		return "", "", fmt.Errorf("expected a single-signer transaction, got %d signature slots", numSigs)
	}
	msgStart := offset + ed25519.SignatureSize
	if len(raw) <= msgStart {
		return "", "", fmt.Errorf("transaction truncated at %d bytes", len(raw))
	}

	sig := ed25519.Sign(w.priv, raw[msgStart:])
	copy(raw[offset:msgStart], sig)

	return base64.StdEncoding.EncodeToString(raw), base58.Encode(sig), nil
}

// decodeCompactU16 reads Solana's compact-u16 length prefix.
func decodeCompactU16(b []byte) (value int, bytesRead int, err error) {
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("truncated compact-u16")
		}
		value |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("compact-u16 too long")
}
