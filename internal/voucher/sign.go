package voucher

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// WindowSeconds is the issuance window timestamps are rounded down to.
	WindowSeconds int64 = 30

	// txHashTag separates transaction hashes from signing digests.
	txHashTag = "meal-transaction"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrAlreadyRedeemed is returned by ledgers when a (student, meal, day)
	// slot already holds a transaction.
	ErrAlreadyRedeemed = errors.New("meal already redeemed")
)

// Canonical returns the byte string a voucher signature covers:
// userId|timestamp|mealType|nonce.
func Canonical(userID string, timestamp int64, mealType, nonce string) []byte {
	b := make([]byte, 0, len(userID)+len(mealType)+len(nonce)+24)
	b = append(b, userID...)
	b = append(b, '|')
	b = strconv.AppendInt(b, timestamp, 10)
	b = append(b, '|')
	b = append(b, mealType...)
	b = append(b, '|')
	b = append(b, nonce...)
	return b
}

// Digest is keccak256 over the canonical fields of p.
func Digest(p *Payload) [32]byte {
	return crypto.Keccak256Hash(Canonical(p.UserID, p.Timestamp, p.MealType, p.Nonce))
}

// RoundTimestamp floors unix seconds to the issuance window.
func RoundTimestamp(unix int64) int64 {
	r := unix % WindowSeconds
	if r < 0 {
		r += WindowSeconds
	}
	return unix - r
}

// Sign signs p in place with the student's secp256k1 key.
func Sign(p *Payload, privKey *ecdsa.PrivateKey) error {
	if privKey == nil {
		return errors.New("sign voucher: nil private key")
	}
	digest := Digest(p)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	p.Signature = hex.EncodeToString(sig)
	return nil
}

// Verify checks p.Signature against the hex-encoded public key.
// Both 65-byte (R||S||V) and 64-byte (R||S) signatures are accepted.
func Verify(p *Payload, publicKeyHex string) error {
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) == 65 {
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	digest := Digest(p)
	if !crypto.VerifySignature(crypto.CompressPubkey(pub), digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePublicKey accepts a compressed (33-byte) or uncompressed (65-byte)
// secp256k1 key in hex, with or without a 0x prefix.
func ParsePublicKey(s string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	var pub *ecdsa.PublicKey
	switch len(raw) {
	case 33:
		pub, err = crypto.DecompressPubkey(raw)
	case 65:
		pub, err = crypto.UnmarshalPubkey(raw)
	default:
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// EncodePublicKey returns the compressed hex form used for registration.
func EncodePublicKey(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(pub))
}

// ParsePrivateKey loads a hex secp256k1 private key, 0x prefix optional.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

// TransactionHash builds the deterministic hash of a redemption:
// keccak256(tag|userId|timestamp|mealType|nonce), hex encoded.
func TransactionHash(userID string, timestamp int64, mealType, nonce string) string {
	h := crypto.Keccak256Hash([]byte(txHashTag+"|"), Canonical(userID, timestamp, mealType, nonce))
	return hex.EncodeToString(h[:])
}
