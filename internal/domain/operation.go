package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationType is the trade direction seen from the client.
type OperationType string

const (
	// OperationCompra the client buys USD and pays PEN.
	OperationCompra OperationType = "Compra"
	// OperationVenta the client sells USD and receives PEN.
	OperationVenta OperationType = "Venta"
)

// Currency codes used by the cambio.
const (
	CurrencyUSD = "USD"
	CurrencyPEN = "PEN"
)

// Operation is one currency-exchange trade between the client and the business.
// Monetary terms are fixed at creation and never recomputed.
type Operation struct {
	ID             int64           `json:"id"`
	Code           string          `json:"operation_code"`
	Type           OperationType   `json:"operation_type"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	AmountPEN      decimal.Decimal `json:"amount_pen"`
	ExchangeRate   decimal.Decimal `json:"exchange_rate"`
	Status         Status          `json:"status"`
	ClientDNI      string          `json:"client_dni"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ClientDeposits []Deposit       `json:"client_deposits"`
	OperatorProofs []OperatorProof `json:"operator_proofs"`
	Invoices       []Invoice       `json:"invoices"`
}

// Deposit is a proof of payment already known to the backend.
type Deposit struct {
	Index         int             `json:"deposit_index"`
	Amount        decimal.Decimal `json:"amount"`
	ReferenceCode string          `json:"reference_code"`
	ImageURL      string          `json:"image_url"`
	UploadedAt    time.Time       `json:"uploaded_at"`
}

// OperatorProof is the business-side transfer evidence. Read-only for the client.
type OperatorProof struct {
	ImageURL   string    `json:"image_url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Invoice issued for a completed operation. Read-only for the client.
type Invoice struct {
	Number   string    `json:"number"`
	URL      string    `json:"url"`
	IssuedAt time.Time `json:"issued_at"`
}

// ExpectedDeposit returns the total the client has to transfer and its currency.
func (o *Operation) ExpectedDeposit() (decimal.Decimal, string) {
	if o.Type == OperationVenta {
		return o.AmountUSD, CurrencyUSD
	}
	return o.AmountPEN, CurrencyPEN
}

// ExpiresAt returns the instant a pending operation runs out of time.
func (o *Operation) ExpiresAt(timeout time.Duration) time.Time {
	return o.CreatedAt.Add(timeout)
}

// DepositedTotal sums the deposits the backend already has.
func (o *Operation) DepositedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, d := range o.ClientDeposits {
		total = total.Add(d.Amount)
	}
	return total
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o *Operation) Clone() Operation {
	c := *o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	c.ClientDeposits = append([]Deposit(nil), o.ClientDeposits...)
	c.OperatorProofs = append([]OperatorProof(nil), o.OperatorProofs...)
	c.Invoices = append([]Invoice(nil), o.Invoices...)
	return c
}

// DepositSubmission is one staged proof handed to the upload collaborator.
type DepositSubmission struct {
	// Index continues from the deposits the backend already has.
	Index         int
	Amount        decimal.Decimal
	ReferenceCode string
	ImagePath     string
	// Key lets the backend drop a replayed upload.
	Key string
}
