package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// PricingAPI is the subset of the AWS Price List client used here.
type PricingAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// AWSPriceSource looks up on-demand SageMaker hosting prices with the AWS
// Price List API. The API is only served from a few regions, so the client
// is usually built for us-east-1 while Region names the deployment region.
type AWSPriceSource struct {
	client PricingAPI
	region string
}

// NewAWSPriceSource creates a price source for endpoints in region.
func NewAWSPriceSource(client PricingAPI, region string) *AWSPriceSource {
	return &AWSPriceSource{client: client, region: region}
}

// regionLocations maps region codes to Price List location names.
var regionLocations = map[string]string{
	"us-east-1": "US East (N. Virginia)",
	"us-east-2": "US East (Ohio)",
	"us-west-2": "US West (Oregon)",
}

func regionToLocation(region string) string {
	if loc, ok := regionLocations[region]; ok {
		return loc
	}
	return regionLocations["us-east-1"]
}

// Price implements PriceSource.
func (s *AWSPriceSource) Price(ctx context.Context, instanceType string) (float64, error) {
	out, err := s.client.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonSageMaker"),
		Filters: []types.Filter{
			termMatch("instanceType", instanceType),
			termMatch("location", regionToLocation(s.region)),
			termMatch("operation", "OnDemand"),
		},
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get products for %s: %w", instanceType, err)
	}

	price, ok := parsePriceList(out.PriceList)
	if !ok {
		return 0, fmt.Errorf("%w: no on-demand price for %s", ErrUnknownInstanceType, instanceType)
	}
	return price, nil
}

func termMatch(field, value string) types.Filter {
	return types.Filter{
		Type:  types.FilterTypeTermMatch,
		Field: aws.String(field),
		Value: aws.String(value),
	}
}

// priceListItem is the part of a Price List product document we read.
type priceListItem struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// parsePriceList returns the first positive USD unit price.
func parsePriceList(items []string) (float64, bool) {
	for _, raw := range items {
		var item priceListItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		for _, term := range item.Terms.OnDemand {
			for _, dim := range term.PriceDimensions {
				usd, ok := dim.PricePerUnit["USD"]
				if !ok {
					continue
				}
				if p, err := strconv.ParseFloat(usd, 64); err == nil && p > 0 {
					return p, true
				}
			}
		}
	}
	return 0, false
}
