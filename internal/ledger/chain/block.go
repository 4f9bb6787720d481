package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

const (
	TxGenesis   = "genesis"
	TxBook      = "book_appointment"
	TxBookV1    = "book_appointment_legacy"
	TxApprove   = "approve_appointment"
	TxDecline   = "decline_appointment"
	TxAuthorize = "authorize_provider"
	TxRevoke    = "revoke_provider"
	TxRegister  = "register_patient"
	TxAddRecord = "add_health_record"
)

// Transaction is the single mutation a block records.
type Transaction struct {
	Type          string     `json:"type"`
	From          string     `json:"from"`
	AppointmentID uint64     `json:"appointment_id,omitempty"`
	PatientID     int64      `json:"patient_id,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Name          string     `json:"name,omitempty"`
	RecordID      uint64     `json:"record_id,omitempty"`
	Diagnosis     string     `json:"diagnosis,omitempty"`
	Treatment     string     `json:"treatment,omitempty"`
}

// Block is one entry of the append-only chain. Each block holds exactly one
// transaction and links to its predecessor by hash.
type Block struct {
	Index     uint64      `json:"index"`
	PrevHash  string      `json:"prev_hash"`
	Timestamp string      `json:"timestamp"`
	Tx        Transaction `json:"tx"`
	Hash      string      `json:"hash"`
}

var genesisPrevHash = strings.Repeat("0", 64)

func newBlock(index uint64, prevHash string, at time.Time, tx Transaction) Block {
	b := Block{
		Index:     index,
		PrevHash:  prevHash,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Tx:        tx,
	}
	b.Hash = b.computeHash()
	return b
}

// computeHash hashes the header and transaction, never the stored hash.
func (b Block) computeHash() string {
	hdr := struct {
		Index     uint64      `json:"index"`
		PrevHash  string      `json:"prev_hash"`
		Timestamp string      `json:"timestamp"`
		Tx        Transaction `json:"tx"`
	}{
		Index:     b.Index,
		PrevHash:  b.PrevHash,
		Timestamp: b.Timestamp,
		Tx:        b.Tx,
	}
	data, _ := json.Marshal(hdr)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
