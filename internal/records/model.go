// Package records keeps the service's own bookkeeping around proxied cases:
// case summaries scraped from the upstream, negotiation history, document
// classification runs, reminders and model token spend.
package records

import (
	"time"

	"github.com/google/uuid"
)

// Case mirrors one upstream case with local financial tracking. The ID is
// the upstream's case identifier, not ours.
type Case struct {
	ID             string    `json:"id"`
	PatientName    string    `json:"patient_name"`
	Status         string    `json:"status"`
	FeesTaken      float64   `json:"fees_taken"`
	Savings        float64   `json:"savings"`
	Revenue        float64   `json:"revenue"`
	EmailsReceived int       `json:"emails_received"`
	EmailsSent     int       `json:"emails_sent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Negotiation is one settlement email exchanged over a case.
type Negotiation struct {
	ID          uuid.UUID `json:"id"`
	CaseID      string    `json:"case_id"`
	Type        string    `json:"negotiation_type"`
	Recipient   string    `json:"recipient"`
	EmailBody   string    `json:"email_body"`
	SentOn      string    `json:"sent_on"`
	ActualBill  float64   `json:"actual_bill"`
	OfferedBill float64   `json:"offered_bill"`
	SentByUs    bool      `json:"sent_by_us"`
	Result      string    `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
}

// Classification is one automated document classification run over a case.
type Classification struct {
	ID                uuid.UUID `json:"id"`
	CaseID            string    `json:"case_id"`
	OCRPerformed      bool      `json:"ocr_performed"`
	NumberOfDocuments int       `json:"number_of_documents"`
	Confidence        float64   `json:"confidence"`
	CreatedAt         time.Time `json:"created_at"`
}

// Reminder is a scheduled follow-up email for a case.
type Reminder struct {
	ID             uuid.UUID `json:"id"`
	CaseID         string    `json:"case_id"`
	ReminderNumber int       `json:"reminder_number"`
	ReminderDate   string    `json:"reminder_date"`
	EmailBody      string    `json:"email_body"`
	CreatedAt      time.Time `json:"created_at"`
}

// TokenUsage records one language-model call's token spend.
type TokenUsage struct {
	ID         uuid.UUID `json:"id"`
	UsedAt     time.Time `json:"used_at"`
	TokensUsed int       `json:"tokens_used"`
	Cost       float64   `json:"cost"`
	ModelName  string    `json:"model_name"`
}

// Setting is one runtime-tunable key/value pair.
type Setting struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}
