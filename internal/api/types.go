package api

// ValidationResponse is the server's answer to POST /qr/validate.
type ValidationResponse struct {
	IsValid      bool   `json:"isValid"`
	StudentName  string `json:"studentName"`
	GroupName    string `json:"groupName"`
	MealType     string `json:"mealType"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// BatchItem is one offline transaction uploaded by POST /transactions/batch.
// Timestamp is RFC 3339 in UTC.
type BatchItem struct {
	StudentID       string `json:"studentId"`
	Timestamp       string `json:"timestamp"`
	MealType        string `json:"mealType"`
	TransactionHash string `json:"transactionHash"`
}

// Batch item statuses.
const (
	ItemAccepted  = "accepted"
	ItemDuplicate = "duplicate"
	ItemConflict  = "conflict"
	ItemRejected  = "rejected"
)

// BatchItemResult reports what the server did with one item.
type BatchItemResult struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
}

// BatchResponse is the server's answer to POST /transactions/batch.
type BatchResponse struct {
	SuccessCount int               `json:"successCount"`
	Items        []BatchItemResult `json:"items"`
}
