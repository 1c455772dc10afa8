package voucher

import (
	"strings"
	"time"
)

// MealType is the closed set of meals a voucher can be issued for.
type MealType uint8

const (
	MealUnknown MealType = iota
	MealBreakfast
	MealLunch
	MealDinner
	MealSnack
	MealSpecial
)

func (m MealType) String() string {
	switch m {
	case MealBreakfast:
		return "BREAKFAST"
	case MealLunch:
		return "LUNCH"
	case MealDinner:
		return "DINNER"
	case MealSnack:
		return "SNACK"
	case MealSpecial:
		return "SPECIAL"
	default:
		return "UNKNOWN"
	}
}

// MealTypes lists every valid meal type in serving order.
var MealTypes = []MealType{MealBreakfast, MealLunch, MealDinner, MealSnack, MealSpecial}

// ParseMealType matches s case-insensitively against the enum.
func ParseMealType(s string) (MealType, bool) {
	s = strings.TrimSpace(s)
	for _, m := range MealTypes {
		if strings.EqualFold(s, m.String()) {
			return m, true
		}
	}
	return MealUnknown, false
}

// Payload is the signed claim a student presents as QR content.
// MealType keeps the exact signed string; it is resolved against the enum
// only when permissions are checked.
type Payload struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	MealType  string `json:"mealType"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// StudentKey is a student's registered public key and display data.
type StudentKey struct {
	UserID     string `json:"userId"`
	PublicKey  string `json:"publicKey"`
	Name       string `json:"name"`
	Surname    string `json:"surname"`
	FatherName string `json:"fatherName"`
	GroupName  string `json:"groupName"`
}

// DisplayName is "Surname Name FatherName" with empty parts skipped.
func (k StudentKey) DisplayName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{k.Surname, k.Name, k.FatherName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return k.UserID
	}
	return strings.Join(parts, " ")
}

// Permission holds a student's meal allowances for one calendar date.
type Permission struct {
	StudentID string `json:"studentId"`
	Date      string `json:"date,omitempty"`
	Breakfast bool   `json:"breakfast"`
	Lunch     bool   `json:"lunch"`
	Dinner    bool   `json:"dinner"`
	Snack     bool   `json:"snack"`
	Special   bool   `json:"special"`
}

// Allows reports whether the flag for m is set. MealUnknown is never allowed.
func (p Permission) Allows(m MealType) bool {
	switch m {
	case MealBreakfast:
		return p.Breakfast
	case MealLunch:
		return p.Lunch
	case MealDinner:
		return p.Dinner
	case MealSnack:
		return p.Snack
	case MealSpecial:
		return p.Special
	default:
		return false
	}
}

// Transaction is the durable evidence of a redeemed meal.
type Transaction struct {
	ID          int64  `json:"id"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	GroupName   string `json:"groupName"`
	MealType    string `json:"mealType"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
	Hash        string `json:"transactionHash"`
	DayStart    int64  `json:"dayStart"`
	Synced      bool   `json:"synced"`
}

// ScanRecord is one informational scan history entry.
type ScanRecord struct {
	ID        int64  `json:"id"`
	UserID    string `json:"userId"`
	MealType  string `json:"mealType"`
	Valid     bool   `json:"valid"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Offline   bool   `json:"offline"`
	ScannedAt int64  `json:"scannedAt"`
}

// DateLayout is the calendar date format used for permission records.
const DateLayout = "2006-01-02"

// DayStart returns midnight of t's calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Redis key templates
const (
	StudentKeyFmt    = "student:key:%s"       // %s = user id
	StudentIndexKey  = "student:index"        // set of user ids
	PermissionKeyFmt = "permission:%s:%s"     // %s = date, student id
	PermissionIdxFmt = "permission:index:%s"  // %s = date
	RedeemedKeyFmt   = "redeemed:%s:%s:%d"    // %s = student, meal; %d = day start
	TransactionFmt   = "transaction:%s"       // %s = transaction hash
	DayLogKeyFmt     = "transactions:%s"      // %s = date
	StatsKeyFmt      = "stats:%s"             // %s = date
	FraudReportsKey  = "fraud:reports"
	FraudReportedKey = "fraud:reported"
	DeviceIndexKey   = "chef:devices"
)
