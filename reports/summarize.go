package reports

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yungusdotcom/thrive-dashboard/models"
)

const (
	fallbackCategory = "Uncategorized"
	fallbackEmployee = "Unknown"
)

func isMedical(customerType string) bool {
	v := strings.ToLower(strings.TrimSpace(customerType))
	return v == "medical" || v == "med"
}

// lineGross resolves a line's gross: the explicit upstream value when
// present, otherwise unit price times quantity.
func lineGross(line models.TicketLine) decimal.Decimal {
	if line.GrossTotal != nil {
		return *line.GrossTotal
	}
	return line.UnitPrice.Mul(line.Quantity)
}

// Summarize aggregates one store-period ticket set into a Summary. Voided
// tickets and voided lines contribute nothing to any field. Sums run at
// full decimal precision and every money or quantity output is rounded to
// two places only when the Summary is assembled, so equal ticket multisets
// yield byte-identical summaries in any input order.
func Summarize(tickets []models.Ticket) models.Summary {
	type categoryAcc struct {
		net   decimal.Decimal
		units decimal.Decimal
		txns  int
	}
	type employeeAcc struct {
		net   decimal.Decimal
		items decimal.Decimal
		txns  int
	}

	var (
		netTotal   decimal.Decimal
		grossTotal decimal.Decimal
		itemTotal  decimal.Decimal
		txnCount   int
		counts     models.CustomerTypeCounts
	)
	categories := map[string]*categoryAcc{}
	employees := map[string]*employeeAcc{}

	for _, ticket := range tickets {
		if ticket.Voided {
			continue
		}

		var ticketNet, ticketItems decimal.Decimal
		seen := map[string]bool{}
		for _, line := range ticket.Items {
			if line.Voided {
				continue
			}
			gross := lineGross(line)
			net := gross.Sub(line.Discount)

			grossTotal = grossTotal.Add(gross)
			ticketNet = ticketNet.Add(net)
			ticketItems = ticketItems.Add(line.Quantity)

			name := line.Category
			if name == "" {
				name = fallbackCategory
			}
			acc := categories[name]
			if acc == nil {
				acc = &categoryAcc{}
				categories[name] = acc
			}
			acc.net = acc.net.Add(net)
			acc.units = acc.units.Add(line.Quantity)
			if !seen[name] {
				seen[name] = true
				acc.txns++
			}
		}

		txnCount++
		netTotal = netTotal.Add(ticketNet)
		itemTotal = itemTotal.Add(ticketItems)
		if isMedical(ticket.CustomerType) {
			counts.Medical++
		} else {
			counts.Recreational++
		}

		name := ticket.Employee
		if name == "" {
			name = fallbackEmployee
		}
		acc := employees[name]
		if acc == nil {
			acc = &employeeAcc{}
			employees[name] = acc
		}
		acc.txns++
		acc.net = acc.net.Add(ticketNet)
		acc.items = acc.items.Add(ticketItems)
	}

	categoryStats := make([]models.CategoryStat, 0, len(categories))
	for name, acc := range categories {
		categoryStats = append(categoryStats, models.CategoryStat{
			Name:             name,
			NetSales:         acc.net.Round(2),
			Units:            acc.units.Round(2),
			TransactionCount: acc.txns,
		})
	}
	sort.Slice(categoryStats, func(i, j int) bool {
		if !categoryStats[i].NetSales.Equal(categoryStats[j].NetSales) {
			return categoryStats[i].NetSales.GreaterThan(categoryStats[j].NetSales)
		}
		return categoryStats[i].Name < categoryStats[j].Name
	})

	employeeStats := make([]models.EmployeeStat, 0, len(employees))
	for name, acc := range employees {
		avg := decimal.Zero
		if acc.txns > 0 {
			avg = acc.net.DivRound(decimal.NewFromInt(int64(acc.txns)), 2)
		}
		employeeStats = append(employeeStats, models.EmployeeStat{
			Name:         name,
			Transactions: acc.txns,
			NetSales:     acc.net.Round(2),
			Items:        acc.items.Round(2),
			AvgBasket:    avg,
		})
	}
	sort.Slice(employeeStats, func(i, j int) bool {
		if !employeeStats[i].NetSales.Equal(employeeStats[j].NetSales) {
			return employeeStats[i].NetSales.GreaterThan(employeeStats[j].NetSales)
		}
		return employeeStats[i].Name < employeeStats[j].Name
	})

	avgBasket := decimal.Zero
	if txnCount > 0 {
		avgBasket = netTotal.DivRound(decimal.NewFromInt(int64(txnCount)), 2)
	}

	return models.Summary{
		TransactionCount: txnCount,
		NetSales:         netTotal.Round(2),
		GrossSales:       grossTotal.Round(2),
		AvgBasket:        avgBasket,
		TotalItems:       itemTotal.Round(2),
		CustomerTypes:    counts,
		Categories:       categoryStats,
		Employees:        employeeStats,
	}
}
