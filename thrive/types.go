package thrive

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yungusdotcom/thrive-dashboard/models"
	"github.com/yungusdotcom/thrive-dashboard/utils"
)

// listEnvelope is the paged list shape of the Thrive API. Older endpoints
// put rows under "data", newer ones under "records"; total_count drives
// pagination and may be absent.
type listEnvelope struct {
	Records    []json.RawMessage `json:"records"`
	Data       []json.RawMessage `json:"data"`
	TotalCount int               `json:"total_count"`
}

type storePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Active      *bool  `json:"active"`
}

type ticketPayload struct {
	ID           string        `json:"id"`
	TicketNumber string        `json:"ticket_number"`
	StoreID      string        `json:"store_id"`
	SoldAt       string        `json:"sold_at"`
	Voided       bool          `json:"voided"`
	CustomerType string        `json:"customer_type"`
	Employee     string        `json:"employee"`
	Items        []linePayload `json:"items"`
}

type linePayload struct {
	ProductName string       `json:"product_name"`
	Brand       string       `json:"brand"`
	Category    string       `json:"category"`
	Quantity    json.Number  `json:"quantity"`
	UnitPrice   json.Number  `json:"unit_price"`
	GrossTotal  *json.Number `json:"gross_total"`
	Discount    json.Number  `json:"discount_total"`
	Voided      bool         `json:"voided"`
}

func decimalFromNumber(n json.Number) decimal.Decimal {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var ticketTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTicketTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range ticketTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func storeFromPayload(p storePayload) models.Store {
	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		name = strings.TrimSpace(p.Name)
	}
	return models.Store{
		ID:     strings.TrimSpace(p.ID),
		Name:   name,
		Active: utils.DereferencePtr(p.Active, true),
	}
}

// ticketFromPayload converts one wire ticket to the domain model. Tickets
// without an id or a parseable sale time cannot be bucketed and are dropped.
func ticketFromPayload(p ticketPayload) (models.Ticket, bool) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = strings.TrimSpace(p.TicketNumber)
	}
	soldAt, ok := parseTicketTime(p.SoldAt)
	if id == "" || !ok {
		return models.Ticket{}, false
	}

	items := make([]models.TicketLine, 0, len(p.Items))
	for _, line := range p.Items {
		item := models.TicketLine{
			Product:   strings.TrimSpace(line.ProductName),
			Brand:     strings.TrimSpace(line.Brand),
			Category:  strings.TrimSpace(line.Category),
			Quantity:  decimalFromNumber(line.Quantity),
			UnitPrice: decimalFromNumber(line.UnitPrice),
			Discount:  decimalFromNumber(line.Discount),
			Voided:    line.Voided,
		}
		if line.GrossTotal != nil {
			gross := decimalFromNumber(*line.GrossTotal)
			item.GrossTotal = &gross
		}
		items = append(items, item)
	}

	return models.Ticket{
		ID:           id,
		StoreID:      strings.TrimSpace(p.StoreID),
		SoldAt:       soldAt,
		Voided:       p.Voided,
		CustomerType: strings.TrimSpace(p.CustomerType),
		Employee:     strings.TrimSpace(p.Employee),
		Items:        items,
	}, true
}
