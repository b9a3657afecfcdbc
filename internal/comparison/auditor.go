// Package comparison audits stored orders, deliveries and products against the
// invariants of the settlement workflow.
package comparison

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/pkg/models"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

type Inconsistency struct {
	OrderID     string `json:"order_id,omitempty"`
	ProductID   string `json:"product_id,omitempty"`
	DeliveryID  string `json:"delivery_id,omitempty"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

type Statistics struct {
	Orders           int            `json:"orders"`
	Deliveries       int            `json:"deliveries"`
	Products         int            `json:"products"`
	ByStatus         map[string]int `json:"by_status"`
	CriticalIssues   int            `json:"critical_issues"`
	WarningIssues    int            `json:"warning_issues"`
	ConsistencyScore float64        `json:"consistency_score"`
}

type Report struct {
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	Statistics      Statistics      `json:"statistics"`
	Recommendations []string        `json:"recommendations"`
	Status          string          `json:"status"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Consistent reports whether no critical issue was found.
func (r *Report) Consistent() bool {
	return r.Statistics.CriticalIssues == 0
}

type AuditorDeps struct {
	Orders     store.OrderRepository
	Deliveries store.DeliveryRepository
	Products   store.ProductRepository
	Logger     *logrus.Logger
	Clock      func() time.Time
	// StalePending flags PENDING orders older than this; zero disables the check.
	StalePending time.Duration
}

type Auditor struct {
	orders       store.OrderRepository
	deliveries   store.DeliveryRepository
	products     store.ProductRepository
	logger       *logrus.Logger
	now          func() time.Time
	stalePending time.Duration
}

func NewAuditor(deps AuditorDeps) *Auditor {
	a := &Auditor{
		orders:       deps.Orders,
		deliveries:   deps.Deliveries,
		products:     deps.Products,
		logger:       deps.Logger,
		now:          deps.Clock,
		stalePending: deps.StalePending,
	}
	if a.logger == nil {
		a.logger = logrus.StandardLogger()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Audit loads the whole store and checks it.
func (a *Auditor) Audit(ctx context.Context) (*Report, error) {
	orders, err := a.orders.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	deliveries, err := a.deliveries.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	products, err := a.products.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	start := a.now()
	report := a.Analyze(orders, deliveries, products)

	a.logger.WithFields(logrus.Fields{
		"orders":            report.Statistics.Orders,
		"inconsistencies":   len(report.Inconsistencies),
		"consistency_score": report.Statistics.ConsistencyScore,
		"processing_time":   a.now().Sub(start).String(),
	}).Info("Consistency audit completed")
	return report, nil
}

// Analyze checks that deliveries exist exactly for approved orders, that every
// amount equals its fee sum and that no stock is negative.
func (a *Auditor) Analyze(orders []*models.Order, deliveries []*models.Delivery, products []*models.Product) *Report {
	now := a.now().UTC()
	report := &Report{
		Inconsistencies: []Inconsistency{},
		Timestamp:       now,
		Statistics: Statistics{
			Orders:     len(orders),
			Deliveries: len(deliveries),
			Products:   len(products),
			ByStatus:   make(map[string]int),
		},
	}

	ordersByID := make(map[string]*models.Order, len(orders))
	for _, o := range orders {
		ordersByID[o.ID] = o
	}
	deliveryByOrder := make(map[string]*models.Delivery, len(deliveries))
	for _, d := range deliveries {
		deliveryByOrder[d.TransactionID] = d
	}

	flagged := make(map[string]bool)
	add := func(issue Inconsistency) {
		report.Inconsistencies = append(report.Inconsistencies, issue)
		if issue.OrderID != "" {
			flagged[issue.OrderID] = true
		}
	}

	for _, o := range orders {
		report.Statistics.ByStatus[string(o.Status)]++

		if !o.AmountConsistent() {
			add(Inconsistency{
				OrderID:  o.ID,
				Type:     "amount_mismatch",
				Severity: SeverityCritical,
				Description: fmt.Sprintf("amount %s differs from subtotal %s + base fee %s + delivery fee %s",
					o.Amount, o.Subtotal, o.BaseFee, o.DeliveryFee),
				Suggestion: "Recompute the order amount from its line items",
			})
		}

		d, delivered := deliveryByOrder[o.ID]
		switch {
		case o.Status == models.OrderStatusApproved && !delivered:
			add(Inconsistency{
				OrderID:     o.ID,
				Type:        "missing_delivery",
				Severity:    SeverityCritical,
				Description: "approved order has no delivery",
				Suggestion:  "Publish an order.settlement.incomplete event for the order",
			})
		case o.Status != models.OrderStatusApproved && delivered:
			add(Inconsistency{
				OrderID:     o.ID,
				DeliveryID:  d.ID,
				Type:        "unexpected_delivery",
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("%s order has a delivery", o.Status),
				Suggestion:  "Cancel the delivery before it ships",
			})
		}

		if a.stalePending > 0 && o.Status == models.OrderStatusPending && now.Sub(o.UpdatedAt) > a.stalePending {
			add(Inconsistency{
				OrderID:     o.ID,
				Type:        "stale_pending",
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("order pending since %s", o.UpdatedAt.Format(time.RFC3339)),
				Suggestion:  "Check the gateway for the charge outcome and settle again",
			})
		}
	}

	for _, d := range deliveries {
		if _, ok := ordersByID[d.TransactionID]; !ok {
			add(Inconsistency{
				DeliveryID:  d.ID,
				Type:        "orphan_delivery",
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("delivery references unknown order %s", d.TransactionID),
				Suggestion:  "Remove the delivery or restore the order",
			})
		}
	}

	for _, p := range products {
		if p.Stock < 0 {
			add(Inconsistency{
				ProductID:   p.ID,
				Type:        "negative_stock",
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("stock is %d", p.Stock),
				Suggestion:  "Recount the product and correct its stock",
			})
		}
	}

	sort.SliceStable(report.Inconsistencies, func(i, j int) bool {
		return report.Inconsistencies[i].Severity == SeverityCritical &&
			report.Inconsistencies[j].Severity != SeverityCritical
	})

	for _, issue := range report.Inconsistencies {
		switch issue.Severity {
		case SeverityCritical:
			report.Statistics.CriticalIssues++
		case SeverityWarning:
			report.Statistics.WarningIssues++
		}
	}

	report.Statistics.ConsistencyScore = 100
	if len(orders) > 0 {
		clean := 0
		for _, o := range orders {
			if !flagged[o.ID] {
				clean++
			}
		}
		report.Statistics.ConsistencyScore = float64(clean) / float64(len(orders)) * 100
	}

	report.Recommendations = recommendations(report)
	switch {
	case report.Statistics.CriticalIssues > 0:
		report.Status = "inconsistent"
	case report.Statistics.WarningIssues > 0:
		report.Status = "degraded"
	default:
		report.Status = "consistent"
	}
	return report
}

func recommendations(report *Report) []string {
	counts := make(map[string]int)
	for _, issue := range report.Inconsistencies {
		counts[issue.Type]++
	}

	var out []string
	if n := counts["missing_delivery"]; n > 0 {
		out = append(out, fmt.Sprintf("Run the reconciler for %d approved orders without delivery", n))
	}
	if n := counts["unexpected_delivery"] + counts["orphan_delivery"]; n > 0 {
		out = append(out, fmt.Sprintf("Review %d deliveries that do not belong to an approved order", n))
	}
	if n := counts["amount_mismatch"]; n > 0 {
		out = append(out, fmt.Sprintf("Recompute %d order amounts", n))
	}
	if n := counts["negative_stock"]; n > 0 {
		out = append(out, fmt.Sprintf("Recount %d products with negative stock", n))
	}
	if n := counts["stale_pending"]; n > 0 {
		out = append(out, fmt.Sprintf("Retry settlement of %d stale pending orders", n))
	}
	if len(out) == 0 {
		out = append(out, "No action required")
	}
	return out
}

func GenerateReport(report *Report, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(report, "", "  ")
	case "summary":
		return summary(report), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func summary(report *Report) []byte {
	statuses := make([]string, 0, len(report.Statistics.ByStatus))
	for status, n := range report.Statistics.ByStatus {
		statuses = append(statuses, fmt.Sprintf("%s: %d", status, n))
	}
	sort.Strings(statuses)

	return []byte(fmt.Sprintf(`CONSISTENCY REPORT
==================
Generated: %s

OVERVIEW
--------
Orders: %d (%s)
Deliveries: %d
Products: %d
Consistency Score: %.2f%%

INCONSISTENCIES
---------------
Critical Issues: %d
Warning Issues: %d

RECOMMENDATIONS
---------------
%s

STATUS: %s
`,
		report.Timestamp.Format(time.RFC3339),
		report.Statistics.Orders,
		strings.Join(statuses, ", "),
		report.Statistics.Deliveries,
		report.Statistics.Products,
		report.Statistics.ConsistencyScore,
		report.Statistics.CriticalIssues,
		report.Statistics.WarningIssues,
		strings.Join(report.Recommendations, "\n"),
		strings.ToUpper(report.Status)))
}
