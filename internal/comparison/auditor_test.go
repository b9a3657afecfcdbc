package comparison

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/store/memory"
	"github.com/jogardn/storefront-orders/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var auditTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func order(id string, status models.OrderStatus, amount int64) *models.Order {
	return &models.Order{
		ID:          id,
		Status:      status,
		Subtotal:    decimal.NewFromInt(50),
		BaseFee:     decimal.NewFromInt(50),
		DeliveryFee: decimal.NewFromInt(100),
		Amount:      decimal.NewFromInt(amount),
		UpdatedAt:   auditTime.Add(-time.Minute),
	}
}

func newAuditor() *Auditor {
	return NewAuditor(AuditorDeps{
		Logger:       quietLogger(),
		Clock:        func() time.Time { return auditTime },
		StalePending: time.Hour,
	})
}

func issueTypes(r *Report) map[string]int {
	out := make(map[string]int)
	for _, issue := range r.Inconsistencies {
		out[issue.Type]++
	}
	return out
}

func TestAnalyze_Consistent(t *testing.T) {
	orders := []*models.Order{
		order("o1", models.OrderStatusApproved, 200),
		order("o2", models.OrderStatusDeclined, 200),
		order("o3", models.OrderStatusPending, 200),
	}
	deliveries := []*models.Delivery{{ID: "d1", TransactionID: "o1"}}
	products := []*models.Product{{ID: "p1", Stock: 3}}

	report := newAuditor().Analyze(orders, deliveries, products)

	if !report.Consistent() || report.Status != "consistent" {
		t.Fatalf("report = %+v", report)
	}
	if report.Statistics.ConsistencyScore != 100 {
		t.Errorf("score = %v, want 100", report.Statistics.ConsistencyScore)
	}
	if report.Statistics.ByStatus["APPROVED"] != 1 || report.Statistics.ByStatus["PENDING"] != 1 {
		t.Errorf("by status = %v", report.Statistics.ByStatus)
	}
}

func TestAnalyze_FindsViolations(t *testing.T) {
	stale := order("o5", models.OrderStatusPending, 200)
	stale.UpdatedAt = auditTime.Add(-2 * time.Hour)

	orders := []*models.Order{
		order("o1", models.OrderStatusApproved, 200), // no delivery
		order("o2", models.OrderStatusDeclined, 200), // has delivery
		order("o3", models.OrderStatusPending, 999),  // bad amount
		order("o4", models.OrderStatusApproved, 200),
		stale,
	}
	deliveries := []*models.Delivery{
		{ID: "d2", TransactionID: "o2"},
		{ID: "d4", TransactionID: "o4"},
		{ID: "dx", TransactionID: "gone"},
	}
	products := []*models.Product{{ID: "p1", Stock: -1}}

	report := newAuditor().Analyze(orders, deliveries, products)

	want := map[string]int{
		"missing_delivery":    1,
		"unexpected_delivery": 1,
		"amount_mismatch":     1,
		"orphan_delivery":     1,
		"negative_stock":      1,
		"stale_pending":       1,
	}
	got := issueTypes(report)
	for typ, n := range want {
		if got[typ] != n {
			t.Errorf("%s issues = %d, want %d", typ, got[typ], n)
		}
	}
	if report.Statistics.CriticalIssues != 5 || report.Statistics.WarningIssues != 1 {
		t.Errorf("statistics = %+v", report.Statistics)
	}
	if report.Consistent() || report.Status != "inconsistent" {
		t.Errorf("status = %s", report.Status)
	}
	// o4 is the only order without an issue.
	if report.Statistics.ConsistencyScore != 20 {
		t.Errorf("score = %v, want 20", report.Statistics.ConsistencyScore)
	}
	if last := report.Inconsistencies[len(report.Inconsistencies)-1]; last.Severity != SeverityWarning {
		t.Errorf("warnings should sort after critical issues, last = %+v", last)
	}
}

func TestAudit_ReadsStore(t *testing.T) {
	s := memory.New()
	s.SeedProducts(models.Product{ID: "p1", Stock: 2})
	ctx := context.Background()

	o := order("", models.OrderStatusPending, 200)
	o.TransactionID = "TXN-1"
	o.OrderID = "ORD-1"
	if err := s.Orders().Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := s.Orders().UpdateStatus(ctx, o.ID, models.OrderStatusPending, models.OrderStatusApproved, auditTime); err != nil {
		t.Fatal(err)
	}

	auditor := NewAuditor(AuditorDeps{
		Orders:     s.Orders(),
		Deliveries: s.Deliveries(),
		Products:   s.Products(),
		Logger:     quietLogger(),
		Clock:      func() time.Time { return auditTime },
	})
	report, err := auditor.Audit(ctx)
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if got := issueTypes(report); got["missing_delivery"] != 1 {
		t.Fatalf("issues = %v, want one missing delivery", got)
	}
}

func TestGenerateReport(t *testing.T) {
	report := newAuditor().Analyze([]*models.Order{order("o1", models.OrderStatusApproved, 200)}, nil, nil)

	text, err := GenerateReport(report, "summary")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(text), "STATUS: INCONSISTENT") || !strings.Contains(string(text), "Run the reconciler") {
		t.Errorf("summary = %s", text)
	}

	if _, err := GenerateReport(report, "json"); err != nil {
		t.Errorf("json report error = %v", err)
	}
	if _, err := GenerateReport(report, "xml"); err == nil {
		t.Error("expected an error for an unsupported format")
	}
}
