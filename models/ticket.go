package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticket is a single point-of-sale transaction. Money stays in decimal all
// the way through aggregation; rounding happens only when a summary is
// rendered.
type Ticket struct {
	ID           string       `json:"id"`
	StoreID      string       `json:"storeId"`
	SoldAt       time.Time    `json:"soldAt"`
	Voided       bool         `json:"voided"`
	CustomerType string       `json:"customerType"`
	Employee     string       `json:"employee"`
	Items        []TicketLine `json:"items"`
}

// TicketLine is one sold product on a ticket. GrossTotal is a pointer so a
// missing upstream value can be told apart from an explicit zero; when nil
// the line's gross falls back to UnitPrice * Quantity.
type TicketLine struct {
	Product    string           `json:"product"`
	Brand      string           `json:"brand"`
	Category   string           `json:"category"`
	Quantity   decimal.Decimal  `json:"quantity"`
	UnitPrice  decimal.Decimal  `json:"unitPrice"`
	GrossTotal *decimal.Decimal `json:"grossTotal,omitempty"`
	Discount   decimal.Decimal  `json:"discount"`
	Voided     bool             `json:"voided"`
}
