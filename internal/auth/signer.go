package auth

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Header names carried by every chef device request.
const (
	HeaderAddress   = "X-Device-Address"
	HeaderRequest   = "X-Signed-Request"
	HeaderSignature = "X-Device-Signature"
)

// SignedRequest is the JSON document inside X-Signed-Request (fields sorted).
type SignedRequest struct {
	Action    string `json:"action"`
	BodyHash  string `json:"body_hash"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
}

// Action binds a signature to one method and path.
func Action(method, path string) string { return method + " " + path }

// BodyHash is hex(keccak256(body)).
func BodyHash(body []byte) string {
	return hex.EncodeToString(crypto.Keccak256(body))
}

// RequestSigner attaches device signatures to outgoing requests.
type RequestSigner struct {
	key *ecdsa.PrivateKey
	ttl time.Duration
	now func() time.Time
}

func NewRequestSigner(key *ecdsa.PrivateKey, ttl time.Duration) *RequestSigner {
	if ttl <= 0 || ttl > maxFutureWindow {
		ttl = 2 * time.Minute
	}
	return &RequestSigner{key: key, ttl: ttl, now: time.Now}
}

// Address is the device identity the server registers.
func (s *RequestSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign adds the auth headers to req. The request body is read and replaced.
func (s *RequestSigner) Sign(req *http.Request) error {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		req.Body.Close()
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	sr := SignedRequest{
		Action:    Action(req.Method, req.URL.Path),
		BodyHash:  BodyHash(body),
		ExpiresAt: s.now().Add(s.ttl).Unix(),
		Nonce:     uuid.NewString(),
	}
	msg, err := json.Marshal(sr)
	if err != nil {
		return err
	}
	sig, err := SignMessage(msg, s.key)
	if err != nil {
		return err
	}

	req.Header.Set(HeaderAddress, s.Address().Hex())
	req.Header.Set(HeaderRequest, base64.StdEncoding.EncodeToString(msg))
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}
