// Package issuer produces the student's rotating signed meal vouchers.
package issuer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// ErrNoPrivateKey means the account cannot produce offline-valid vouchers.
var ErrNoPrivateKey = errors.New("no private key available")

// Issuer signs vouchers on the student device.
type Issuer struct {
	now      func() time.Time
	newNonce func() string
}

func New() *Issuer {
	return &Issuer{
		now:      time.Now,
		newNonce: func() string { return uuid.NewString() },
	}
}

// Issue builds and signs a voucher for meal. serverOffset is added to the
// local clock before window rounding so the timestamp follows server time.
func (i *Issuer) Issue(userID string, meal voucher.MealType, privKey *ecdsa.PrivateKey, serverOffset time.Duration) (*voucher.Payload, error) {
	if privKey == nil {
		return nil, ErrNoPrivateKey
	}
	if userID == "" {
		return nil, errors.New("issue voucher: empty user id")
	}
	if meal == voucher.MealUnknown {
		return nil, errors.New("issue voucher: unknown meal type")
	}
	p := &voucher.Payload{
		UserID:    userID,
		Timestamp: voucher.RoundTimestamp(i.now().Add(serverOffset).Unix()),
		MealType:  meal.String(),
		Nonce:     i.newNonce(),
	}
	if err := voucher.Sign(p, privKey); err != nil {
		return nil, fmt.Errorf("sign voucher: %w", err)
	}
	return p, nil
}
