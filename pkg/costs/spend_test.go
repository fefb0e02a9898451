package costs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/rs/zerolog"
)

type fakeCostExplorer struct {
	// responses keyed by period start date
	responses map[string]*costexplorer.GetCostAndUsageOutput
	err       error
	inputs    []*costexplorer.GetCostAndUsageInput
}

func (f *fakeCostExplorer) GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.responses[aws.ToString(params.TimePeriod.Start)]
	if !ok {
		return &costexplorer.GetCostAndUsageOutput{}, nil
	}
	return out, nil
}

func grouped(amounts map[string]string) *costexplorer.GetCostAndUsageOutput {
	var groups []types.Group
	for service, amount := range amounts {
		groups = append(groups, types.Group{
			Keys: []string{service},
			Metrics: map[string]types.MetricValue{
				"UnblendedCost": {Amount: aws.String(amount), Unit: aws.String("USD")},
			},
		})
	}
	return &costexplorer.GetCostAndUsageOutput{
		ResultsByTime: []types.ResultByTime{{Groups: groups}},
	}
}

func newTestReporter(client CostExplorerAPI) *Reporter {
	r := NewReporter(client, zerolog.Nop())
	r.now = func() time.Time { return time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC) }
	return r
}

func TestMonthlyGPUSpend(t *testing.T) {
	client := &fakeCostExplorer{responses: map[string]*costexplorer.GetCostAndUsageOutput{
		"2026-03-01": grouped(map[string]string{"Amazon SageMaker": "800.004", "Amazon Elastic Compute Cloud - Compute": "320"}),
		"2026-02-01": {ResultsByTime: []types.ResultByTime{{
			Total: map[string]types.MetricValue{"UnblendedCost": {Amount: aws.String("1000")}},
		}}},
	}}

	report, err := newTestReporter(client).MonthlyGPUSpend(context.Background())
	if err != nil {
		t.Fatalf("MonthlyGPUSpend failed: %v", err)
	}

	if report.Amount != 1120 {
		t.Errorf("Expected amount 1120, got %v", report.Amount)
	}
	if report.PreviousAmount != 1000 {
		t.Errorf("Expected previous amount 1000, got %v", report.PreviousAmount)
	}
	if report.Trend != TrendUp || report.PercentChange != 12 {
		t.Errorf("Expected up 12%%, got %s %v", report.Trend, report.PercentChange)
	}
	if report.Currency != "USD" {
		t.Errorf("Expected USD, got %s", report.Currency)
	}
	if report.Period.Start != "2026-03-01" || report.Period.End != "2026-03-15" {
		t.Errorf("Unexpected period %+v", report.Period)
	}
	if len(report.ByService) != 2 || report.ByService[0].Service != "Amazon SageMaker" {
		t.Errorf("Expected SageMaker to lead the breakdown, got %+v", report.ByService)
	}

	if len(client.inputs) != 2 {
		t.Fatalf("Expected 2 queries, got %d", len(client.inputs))
	}
	prev := client.inputs[1].TimePeriod
	if aws.ToString(prev.Start) != "2026-02-01" || aws.ToString(prev.End) != "2026-03-01" {
		t.Errorf("Unexpected previous period %s..%s", aws.ToString(prev.Start), aws.ToString(prev.End))
	}
	filter := client.inputs[0].Filter.Dimensions
	if filter.Key != types.DimensionService || len(filter.Values) != 2 {
		t.Errorf("Expected SERVICE filter on GPU services, got %+v", filter)
	}
}

func TestTrend(t *testing.T) {
	tests := []struct {
		current, previous float64
		trend             string
		pct               float64
	}{
		{110, 100, TrendUp, 10},
		{75, 100, TrendDown, 25},
		{100, 100, TrendStable, 0},
		{50, 0, TrendStable, 0},
		{1, 3, TrendDown, 66.7},
	}

	for _, tt := range tests {
		trend, pct := Trend(tt.current, tt.previous)
		if trend != tt.trend || pct != tt.pct {
			t.Errorf("Trend(%v, %v): expected %s %v, got %s %v", tt.current, tt.previous, tt.trend, tt.pct, trend, pct)
		}
	}
}

func TestMonthlyGPUSpendError(t *testing.T) {
	client := &fakeCostExplorer{err: errors.New("AccessDeniedException")}
	if _, err := newTestReporter(client).MonthlyGPUSpend(context.Background()); err == nil {
		t.Error("Expected error from Cost Explorer failure")
	}
}
