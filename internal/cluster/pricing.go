package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// PricingRegion is the only region the AWS Pricing API is served from.
const PricingRegion = "us-east-1"

// ProductLister is the slice of the Pricing client HourlyPrice needs.
type ProductLister interface {
	GetProducts(ctx context.Context, in *pricing.GetProductsInput, opts ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// Price holds the hourly rates of one instance type in one region.
// Reserved rates are the All Upfront standard offerings spread over the
// lease; they are nil when not offered.
type Price struct {
	InstanceType string   `json:"instance_type"`
	Region       string   `json:"region"`
	OnDemand     float64  `json:"on_demand_hourly_usd"`
	Reserved1Yr  *float64 `json:"reserved_1yr_hourly_usd,omitempty"`
	Reserved3Yr  *float64 `json:"reserved_3yr_hourly_usd,omitempty"`
}

// Cost returns the on-demand cost of running count instances for d.
func (p Price) Cost(count int, d time.Duration) float64 {
	return p.OnDemand * float64(count) * d.Hours()
}

// HourlyPrice looks up the Linux, shared-tenancy price of an instance type.
func HourlyPrice(ctx context.Context, api ProductLister, instanceType, region string) (*Price, error) {
	input := &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			termMatch("instanceType", instanceType),
			termMatch("operatingSystem", "Linux"),
			termMatch("tenancy", "Shared"),
			termMatch("preInstalledSw", "NA"),
			termMatch("capacitystatus", "Used"),
			termMatch("regionCode", region),
		},
		MaxResults: aws.Int32(10),
	}

	resp, err := api.GetProducts(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("GetProducts: %w", err)
	}
	if len(resp.PriceList) == 0 {
		return nil, fmt.Errorf("no pricing found for %s in %s", instanceType, region)
	}

	var product priceDoc
	if err := json.Unmarshal([]byte(resp.PriceList[0]), &product); err != nil {
		return nil, fmt.Errorf("parse price list: %w", err)
	}
	onDemand, err := extractOnDemand(product.Terms.OnDemand)
	if err != nil {
		return nil, fmt.Errorf("on-demand: %w", err)
	}
	return &Price{
		InstanceType: instanceType,
		Region:       region,
		OnDemand:     onDemand,
		Reserved1Yr:  extractReserved(product.Terms.Reserved, "1yr"),
		Reserved3Yr:  extractReserved(product.Terms.Reserved, "3yr"),
	}, nil
}

func termMatch(field, value string) pricingtypes.Filter {
	return pricingtypes.Filter{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String(field), Value: aws.String(value)}
}

// priceDoc is the part of a Pricing API price list entry we read.
type priceDoc struct {
	Terms struct {
		OnDemand map[string]termEntry `json:"OnDemand"`
		Reserved map[string]termEntry `json:"Reserved"`
	} `json:"terms"`
}

type termEntry struct {
	PriceDimensions map[string]priceDimension `json:"priceDimensions"`
	TermAttributes  map[string]string         `json:"termAttributes"`
}

type priceDimension struct {
	Unit         string            `json:"unit"`
	PricePerUnit map[string]string `json:"pricePerUnit"`
}

func extractOnDemand(terms map[string]termEntry) (float64, error) {
	for _, term := range terms {
		for _, pd := range term.PriceDimensions {
			if pd.Unit != "Hrs" {
				continue
			}
			if usd, ok := pd.PricePerUnit["USD"]; ok {
				return strconv.ParseFloat(usd, 64)
			}
		}
	}
	return 0, fmt.Errorf("no hourly on-demand price found")
}

var leaseHours = map[string]float64{"1yr": 8760, "3yr": 26280}

func extractReserved(terms map[string]termEntry, lease string) *float64 {
	for _, term := range terms {
		attrs := term.TermAttributes
		if attrs["LeaseContractLength"] != lease || attrs["PurchaseOption"] != "All Upfront" || attrs["OfferingClass"] != "standard" {
			continue
		}
		for _, pd := range term.PriceDimensions {
			if pd.Unit != "Quantity" {
				continue
			}
			upfront, err := strconv.ParseFloat(pd.PricePerUnit["USD"], 64)
			if err != nil || upfront <= 0 {
				continue
			}
			hourly := upfront / leaseHours[lease]
			return &hourly
		}
	}
	return nil
}
