package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	AmountCents   int64     `json:"amount_cents"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

// Logger emits JSON audit lines for every money movement and escrow state
// change. Entries complement, never replace, the durable ledger rows.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransition(transactionID, actorID, from, to string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ESCROW_TRANSITION",
		TransactionID: transactionID,
		UserID:        actorID,
		Status:        to,
		Details:       map[string]string{"from": from, "to": to},
	})
}

func (a *Logger) LogLedger(entryType, userID, referenceID string, amountCents int64, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "LEDGER_" + entryType,
		TransactionID: referenceID,
		UserID:        userID,
		AmountCents:   amountCents,
		Status:        status,
	})
}

func (a *Logger) LogError(transactionID, userID string, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		UserID:        userID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
