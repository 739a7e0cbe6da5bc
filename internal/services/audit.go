package services

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	MoverID   string    `json:"mover_id"`
	TargetID  string    `json:"target_id,omitempty"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogTransfer(moverID, targetID string, amount, commission int64, status string) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "TRANSFER",
		MoverID:   moverID,
		TargetID:  targetID,
		Amount:    amount,
		Status:    status,
		Details: map[string]int64{
			"commission": commission,
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogRecharge(accountID string, amount int64, status string) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "SELF_RECHARGE",
		MoverID:   accountID,
		Amount:    amount,
		Status:    status,
	}
	a.log(event)
}

func (a *AuditLogger) LogError(moverID, targetID string, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		MoverID:   moverID,
		TargetID:  targetID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
