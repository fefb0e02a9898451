package costs

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// GPUServices are the Cost Explorer services counted as GPU spend.
var GPUServices = []string{
	"Amazon SageMaker",
	"Amazon Elastic Compute Cloud - Compute",
}

// Trend directions.
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// CostExplorerAPI is the subset of the Cost Explorer client used here.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// Period is a half-open date range [Start, End).
type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ServiceCost is one service's share of the spend.
type ServiceCost struct {
	Service string  `json:"service"`
	Amount  float64 `json:"amount"`
}

// SpendReport is the month-to-date GPU spend compared to last month.
type SpendReport struct {
	Amount         float64       `json:"amount"`
	Currency       string        `json:"currency"`
	Trend          string        `json:"trend"`
	PercentChange  float64       `json:"percent_change"`
	PreviousAmount float64       `json:"previous_amount"`
	Period         Period        `json:"period"`
	ByService      []ServiceCost `json:"by_service,omitempty"`
}

// Reporter queries GPU spend.
type Reporter struct {
	client CostExplorerAPI
	now    func() time.Time
	logger zerolog.Logger
}

// NewReporter creates a reporter.
func NewReporter(client CostExplorerAPI, logger zerolog.Logger) *Reporter {
	return &Reporter{
		client: client,
		now:    time.Now,
		logger: logger.With().Str("component", "costs").Logger(),
	}
}

// MonthlyGPUSpend returns this month's SageMaker and EC2 compute spend so
// far, with the trend against the whole previous month.
func (r *Reporter) MonthlyGPUSpend(ctx context.Context) (*SpendReport, error) {
	now := r.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	// Cost Explorer end dates are exclusive; include today.
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	prevStart := start.AddDate(0, -1, 0)

	current, err := r.query(ctx, start, end)
	if err != nil {
		return nil, err
	}
	previous, err := r.query(ctx, prevStart, start)
	if err != nil {
		return nil, err
	}

	trend, pct := Trend(current.total, previous.total)
	report := &SpendReport{
		Amount:         round(current.total, 2),
		Currency:       current.currency,
		Trend:          trend,
		PercentChange:  pct,
		PreviousAmount: round(previous.total, 2),
		Period:         Period{Start: start.Format(dateLayout), End: end.Format(dateLayout)},
		ByService:      current.services,
	}

	r.logger.Debug().
		Float64("amount", report.Amount).
		Float64("previous", report.PreviousAmount).
		Str("trend", trend).
		Msg("GPU spend computed")
	return report, nil
}

// Trend compares current to previous spend. The percent change is absolute
// and rounded to one decimal. Without previous spend the trend is stable.
func Trend(current, previous float64) (string, float64) {
	if previous <= 0 {
		return TrendStable, 0
	}
	change := (current - previous) / previous * 100
	switch {
	case change > 0:
		return TrendUp, round(change, 1)
	case change < 0:
		return TrendDown, round(-change, 1)
	default:
		return TrendStable, 0
	}
}

type spend struct {
	total    float64
	currency string
	services []ServiceCost
}

func (r *Reporter) query(ctx context.Context, start, end time.Time) (*spend, error) {
	out, err := r.client.GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(start.Format(dateLayout)),
			End:   aws.String(end.Format(dateLayout)),
		},
		Granularity: types.GranularityMonthly,
		Metrics:     []string{"UnblendedCost"},
		Filter: &types.Expression{
			Dimensions: &types.DimensionValues{
				Key:    types.DimensionService,
				Values: GPUServices,
			},
		},
		GroupBy: []types.GroupDefinition{{
			Type: types.GroupDefinitionTypeDimension,
			Key:  aws.String("SERVICE"),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get GPU costs for %s..%s: %w", start.Format(dateLayout), end.Format(dateLayout), err)
	}

	s := &spend{currency: "USD"}
	byService := map[string]float64{}
	for _, period := range out.ResultsByTime {
		if len(period.Groups) == 0 {
			// Ungrouped responses only carry a total.
			if amount, unit, ok := metricAmount(period.Total); ok {
				s.total += amount
				s.currency = unit
			}
			continue
		}
		for _, group := range period.Groups {
			amount, unit, ok := metricAmount(group.Metrics)
			if !ok {
				continue
			}
			s.total += amount
			s.currency = unit
			if len(group.Keys) > 0 {
				byService[group.Keys[0]] += amount
			}
		}
	}

	for service, amount := range byService {
		s.services = append(s.services, ServiceCost{Service: service, Amount: round(amount, 2)})
	}
	sort.Slice(s.services, func(i, j int) bool {
		return s.services[i].Amount > s.services[j].Amount
	})
	return s, nil
}

func metricAmount(metrics map[string]types.MetricValue) (float64, string, bool) {
	m, ok := metrics["UnblendedCost"]
	if !ok || m.Amount == nil {
		return 0, "", false
	}
	amount, err := strconv.ParseFloat(*m.Amount, 64)
	if err != nil {
		return 0, "", false
	}
	unit := aws.ToString(m.Unit)
	if unit == "" {
		unit = "USD"
	}
	return amount, unit, true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
