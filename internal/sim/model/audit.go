package model

import "time"

// AuditEntry records a money or resource movement, or a failed attempt at one.
type AuditEntry struct {
	Time       time.Time `json:"time"`
	Action     string    `json:"action"`
	Code       string    `json:"code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ContractID string    `json:"contract_id,omitempty"`
	ActivityID string    `json:"activity_id,omitempty"`
	Citizen    string    `json:"citizen,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Amount     float64   `json:"amount,omitempty"`
	Price      Ducats    `json:"price,omitempty"`
}

const (
	AuditSettle        = "SETTLE"
	AuditSettleFailed  = "SETTLE_FAILED"
	AuditPay           = "PAY"
	AuditTransfer      = "TRANSFER"
	AuditTransferFail  = "TRANSFER_FAILED"
	AuditRollback      = "ROLLBACK"
	AuditTxWriteFailed = "TX_WRITE_FAILED"
	AuditActivityFail  = "ACTIVITY_FAILED"
	AuditConvoy        = "CONVOY"
)
