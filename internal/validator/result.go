package validator

import "github.com/0gfoundation/mealvoucher/internal/voucher"

// Code is the closed set of validation outcomes.
type Code uint8

const (
	CodeOK Code = iota
	CodeUserNotFound
	CodeInvalidSignature
	CodeExpired
	CodeNoPermission
	CodeAlreadyEaten
)

// String returns the stable machine code sent over the wire.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeUserNotFound:
		return "USER_NOT_FOUND"
	case CodeInvalidSignature:
		return "INVALID_SIGNATURE"
	case CodeExpired:
		return "EXPIRED"
	case CodeNoPermission:
		return "NO_PERMISSION"
	case CodeAlreadyEaten:
		return "ALREADY_EATEN"
	default:
		return "UNKNOWN"
	}
}

// Message is the operator-facing text for c. It may change freely; match
// on Code, never on the message.
func (c Code) Message() string {
	switch c {
	case CodeOK:
		return "Meal granted"
	case CodeUserNotFound:
		return "Student not found in the downloaded roster"
	case CodeInvalidSignature:
		return "Voucher signature is invalid"
	case CodeExpired:
		return "Voucher has expired or the device clock is wrong"
	case CodeNoPermission:
		return "Student has no permission for this meal today"
	case CodeAlreadyEaten:
		return "Meal already redeemed today"
	default:
		return "Unknown validation result"
	}
}

// ParseCode maps a wire code back to the enum.
func ParseCode(s string) (Code, bool) {
	for c := CodeOK; c <= CodeAlreadyEaten; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Result is the outcome of one validation.
type Result struct {
	Valid       bool
	Code        Code
	Message     string
	StudentID   string
	StudentName string
	GroupName   string
	MealType    string
	Transaction *voucher.Transaction
}

func reject(code Code, p *voucher.Payload) Result {
	return Result{Code: code, Message: code.Message(), StudentID: p.UserID, MealType: p.MealType}
}
