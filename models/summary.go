package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Summary is the aggregated view of one store over one period. All decimal
// fields are rounded to two places when the summary is built; identical
// ticket sets always produce byte-identical summaries regardless of input
// order.
type Summary struct {
	TransactionCount int                `json:"transactionCount"`
	NetSales         decimal.Decimal    `json:"netSales"`
	GrossSales       decimal.Decimal    `json:"grossSales"`
	AvgBasket        decimal.Decimal    `json:"avgBasket"`
	TotalItems       decimal.Decimal    `json:"totalItems"`
	CustomerTypes    CustomerTypeCounts `json:"customerTypes"`
	Categories       []CategoryStat     `json:"categories"`
	Employees        []EmployeeStat     `json:"employees"`
}

// CustomerTypeCounts splits transactions into the two regulated sale
// channels. Tickets with an unknown or missing type count as recreational.
type CustomerTypeCounts struct {
	Recreational int `json:"recreational"`
	Medical      int `json:"medical"`
}

type CategoryStat struct {
	Name             string          `json:"name"`
	NetSales         decimal.Decimal `json:"netSales"`
	Units            decimal.Decimal `json:"units"`
	TransactionCount int             `json:"transactionCount"`
}

type EmployeeStat struct {
	Name         string          `json:"name"`
	Transactions int             `json:"transactions"`
	NetSales     decimal.Decimal `json:"netSales"`
	Items        decimal.Decimal `json:"items"`
	AvgBasket    decimal.Decimal `json:"avgBasket"`
}

// CachedSummary is one persisted entry of the closed-period cache: the
// summary for (store, period start) plus the moment it was written.
type CachedSummary struct {
	StoreID     string    `json:"storeId"`
	PeriodStart string    `json:"periodStart"`
	PeriodEnd   string    `json:"periodEnd"`
	Summary     Summary   `json:"summary"`
	CachedAt    time.Time `json:"cachedAt"`
}
