// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"time"
)

// RawRecord is an unvalidated record as it arrives from a batch source.
// Keys are the source column names; values are the raw string fields.
type RawRecord map[string]string

// Canonical field names for raw sales records.
// CSV batches use "timestamp" for the transaction time column; the
// validator accepts either name.
const (
	FieldTransactionID   = "transaction_id"
	FieldStoreID         = "store_id"
	FieldProductID       = "product_id"
	FieldCategory        = "category"
	FieldPrice           = "price"
	FieldQuantity        = "quantity"
	FieldTransactionTime = "transaction_time"
	FieldTimestamp       = "timestamp"
)

// SalesRecord is a validated sales transaction ready for staging.
type SalesRecord struct {
	TransactionID   string    `json:"transactionId"`
	StoreID         string    `json:"storeId"`
	ProductID       string    `json:"productId"`
	Category        string    `json:"category"`
	Price           float64   `json:"price"`
	Quantity        int64     `json:"quantity"`
	TransactionTime time.Time `json:"transactionTime"`
}

// Fact is a row in the fact store. It is a SalesRecord stamped with the
// time the transform engine inserted it.
type Fact struct {
	SalesRecord
	InsertionTime time.Time `json:"insertionTime"`
}

// Revenue returns the line revenue for the record.
func (r *SalesRecord) Revenue() float64 {
	return r.Price * float64(r.Quantity)
}

// Date returns the civil date (UTC) the transaction belongs to.
// Facts are partitioned by this value.
func (r *SalesRecord) Date() string {
	return r.TransactionTime.UTC().Format(DateLayout)
}

// DateLayout is the canonical batch date format used throughout Heron.
const DateLayout = "2006-01-02"

// ParseDate parses a batch date in the canonical layout.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
