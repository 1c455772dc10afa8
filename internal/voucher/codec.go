package voucher

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrParse is matched by every *ParseError.
var ErrParse = errors.New("unrecognized voucher code")

// ParseError reports why QR text could not be decoded.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "parse voucher: " + e.Reason
	}
	return fmt.Sprintf("parse voucher: %s: %s", e.Field, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Compact form keys.
const (
	keyUserID    = "userId"
	keyTimestamp = "ts"
	keyMealType  = "type"
	keyNonce     = "nonce"
	keySignature = "sig"
)

// EncodeJSON renders the structured QR form. It is also the body of an
// online validation request.
func EncodeJSON(p *Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal voucher: %w", err)
	}
	return string(raw), nil
}

// EncodeCompact renders userId=..&ts=..&type=..&nonce=..&sig=.. with
// query-escaped values.
func EncodeCompact(p *Payload) string {
	var b strings.Builder
	pairs := [][2]string{
		{keyUserID, p.UserID},
		{keyTimestamp, strconv.FormatInt(p.Timestamp, 10)},
		{keyMealType, p.MealType},
		{keyNonce, p.Nonce},
		{keySignature, p.Signature},
	}
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}

// Decode parses either QR form. Text starting with '{' is JSON; anything
// else is the compact form.
func Decode(raw string) (*Payload, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, &ParseError{Reason: "empty code"}
	}
	if s[0] == '{' {
		return decodeJSON(s)
	}
	return decodeCompact(s)
}

func decodeJSON(s string) (*Payload, error) {
	var wire struct {
		UserID    *string `json:"userId"`
		Timestamp *int64  `json:"timestamp"`
		MealType  *string `json:"mealType"`
		Nonce     *string `json:"nonce"`
		Signature *string `json:"signature"`
	}
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return nil, &ParseError{Reason: "malformed JSON: " + err.Error()}
	}
	switch {
	case wire.UserID == nil || *wire.UserID == "":
		return nil, &ParseError{Field: keyUserID, Reason: "missing"}
	case wire.Timestamp == nil:
		return nil, &ParseError{Field: "timestamp", Reason: "missing"}
	case wire.MealType == nil || *wire.MealType == "":
		return nil, &ParseError{Field: "mealType", Reason: "missing"}
	case wire.Nonce == nil || *wire.Nonce == "":
		return nil, &ParseError{Field: keyNonce, Reason: "missing"}
	case wire.Signature == nil || *wire.Signature == "":
		return nil, &ParseError{Field: "signature", Reason: "missing"}
	}
	return &Payload{
		UserID:    *wire.UserID,
		Timestamp: *wire.Timestamp,
		MealType:  *wire.MealType,
		Nonce:     *wire.Nonce,
		Signature: *wire.Signature,
	}, nil
}

func decodeCompact(s string) (*Payload, error) {
	fields := make(map[string]string, 5)
	for _, part := range strings.Split(s, "&") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, &ParseError{Field: k, Reason: "bad escape"}
		}
		fields[k] = val
	}
	for _, k := range []string{keyUserID, keyTimestamp, keyMealType, keyNonce, keySignature} {
		if fields[k] == "" {
			return nil, &ParseError{Field: k, Reason: "missing"}
		}
	}
	ts, err := strconv.ParseInt(fields[keyTimestamp], 10, 64)
	if err != nil {
		return nil, &ParseError{Field: keyTimestamp, Reason: "not an integer"}
	}
	return &Payload{
		UserID:    fields[keyUserID],
		Timestamp: ts,
		MealType:  fields[keyMealType],
		Nonce:     fields[keyNonce],
		Signature: fields[keySignature],
	}, nil
}
