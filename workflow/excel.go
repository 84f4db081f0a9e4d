package workflow

import (
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/yungusdotcom/thrive-dashboard/models"
)

const (
	trendSheet = "Weekly Net Sales"
	kpiSheet   = "Store KPIs"
)

var kpiHeaders = []string{"Store", "Week", "Transactions", "Net Sales", "Gross Sales", "Avg Basket", "Items", "Recreational", "Medical"}

// WriteTrendWorkbook renders the dashboard payload as an xlsx workbook:
// one sheet of weekly net sales per store and one sheet with each store's
// most recent week. Stores are sorted by name so exports are stable from
// run to run.
func WriteTrendWorkbook(payload *models.TrendPayload) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", trendSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(kpiSheet); err != nil {
		return nil, err
	}

	stores := make([]models.StoreTrend, 0, len(payload.Stores))
	for _, trend := range payload.Stores {
		stores = append(stores, trend)
	}
	sort.Slice(stores, func(i, j int) bool {
		if stores[i].StoreName != stores[j].StoreName {
			return stores[i].StoreName < stores[j].StoreName
		}
		return stores[i].StoreID < stores[j].StoreID
	})

	if err := writeTrendSheet(f, stores); err != nil {
		return nil, err
	}
	if err := writeKpiSheet(f, stores); err != nil {
		return nil, err
	}
	return f, nil
}

func writeTrendSheet(f *excelize.File, stores []models.StoreTrend) error {
	if err := setCell(f, trendSheet, 1, 1, "Store"); err != nil {
		return err
	}
	// Every store shares the same window, so the first one supplies the
	// column labels.
	if len(stores) > 0 {
		for col, point := range stores[0].Points {
			if err := setCell(f, trendSheet, col+2, 1, point.Label); err != nil {
				return err
			}
		}
	}

	for row, store := range stores {
		if err := setCell(f, trendSheet, 1, row+2, store.StoreName); err != nil {
			return err
		}
		for col, point := range store.Points {
			if point.Summary == nil {
				continue
			}
			if err := setCell(f, trendSheet, col+2, row+2, point.Summary.NetSales.InexactFloat64()); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeKpiSheet(f *excelize.File, stores []models.StoreTrend) error {
	for col, header := range kpiHeaders {
		if err := setCell(f, kpiSheet, col+1, 1, header); err != nil {
			return err
		}
	}

	row := 2
	for _, store := range stores {
		point := latestPoint(store.Points)
		if point == nil {
			continue
		}
		summary := point.Summary
		values := []interface{}{
			store.StoreName,
			point.Label,
			summary.TransactionCount,
			summary.NetSales.InexactFloat64(),
			summary.GrossSales.InexactFloat64(),
			summary.AvgBasket.InexactFloat64(),
			summary.TotalItems.InexactFloat64(),
			summary.CustomerTypes.Recreational,
			summary.CustomerTypes.Medical,
		}
		for col, value := range values {
			if err := setCell(f, kpiSheet, col+1, row, value); err != nil {
				return err
			}
		}
		row++
	}
	return nil
}

// latestPoint returns the most recent point that carries data.
func latestPoint(points []models.TrendPoint) *models.TrendPoint {
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].Summary != nil {
			return &points[i]
		}
	}
	return nil
}

func setCell(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}
