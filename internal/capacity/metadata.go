package capacity

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
)

// VariantMetadata is one production variant as returned by the
// model-hosting metadata service.
type VariantMetadata struct {
	Name                     string
	CurrentWeight            float64
	InstanceCount            int
	ServerlessMaxConcurrency *int // nil when the variant is instance-backed
}

// EndpointMetadata is the "describe endpoint" response shape: production
// variants plus the endpoint's tags (for the osml:instance-concurrency
// hint).
type EndpointMetadata struct {
	Variants []VariantMetadata
	Tags     map[string]string
}

// MetadataService is the model-hosting metadata collaborator contract. It
// is consumed by Estimator and by the variant package; both can share one
// implementation, but each keeps its own cache, so each issues its own
// DescribeEndpoint call on a miss.
type MetadataService interface {
	DescribeEndpoint(ctx context.Context, endpointID string) (EndpointMetadata, error)
}

// sageMakerMetadataService implements MetadataService against the real AWS
// SageMaker control-plane API, grounded on the aws-sdk-go-v2 + SageMaker
// client-construction idiom found in the corpus (see DESIGN.md).
type sageMakerMetadataService struct {
	client *sagemaker.Client
}

// NewSageMakerMetadataService builds a MetadataService backed by an AWS
// SageMaker client.
func NewSageMakerMetadataService(client *sagemaker.Client) MetadataService {
	return &sageMakerMetadataService{client: client}
}

func (s *sageMakerMetadataService) DescribeEndpoint(ctx context.Context, endpointID string) (EndpointMetadata, error) {
	descOut, err := s.client.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointID),
	})
	if err != nil {
		return EndpointMetadata{}, fmt.Errorf("describe endpoint %q: %w", endpointID, err)
	}

	cfgOut, err := s.client.DescribeEndpointConfig(ctx, &sagemaker.DescribeEndpointConfigInput{
		EndpointConfigName: descOut.EndpointConfigName,
	})
	if err != nil {
		return EndpointMetadata{}, fmt.Errorf("describe endpoint config for %q: %w", endpointID, err)
	}

	weights := make(map[string]float64, len(descOut.ProductionVariants))
	for _, v := range descOut.ProductionVariants {
		if v.VariantName != nil {
			weights[*v.VariantName] = float64(aws.ToFloat32(v.CurrentWeight))
		}
	}

	variants := make([]VariantMetadata, 0, len(cfgOut.ProductionVariants))
	for _, v := range cfgOut.ProductionVariants {
		if v.VariantName == nil {
			continue
		}
		name := *v.VariantName
		vm := VariantMetadata{
			Name:          name,
			CurrentWeight: weights[name],
			InstanceCount: int(aws.ToInt32(v.InitialInstanceCount)),
		}
		if v.ServerlessConfig != nil {
			mc := int(aws.ToInt32(v.ServerlessConfig.MaxConcurrency))
			vm.ServerlessMaxConcurrency = &mc
		}
		variants = append(variants, vm)
	}

	tags := map[string]string{}
	if descOut.EndpointArn != nil {
		tagOut, tagErr := s.client.ListTags(ctx, &sagemaker.ListTagsInput{
			ResourceArn: descOut.EndpointArn,
		})
		if tagErr == nil {
			for _, t := range tagOut.Tags {
				if t.Key != nil {
					tags[*t.Key] = aws.ToString(t.Value)
				}
			}
		}
		// A tag lookup failure is not fatal: osml:instance-concurrency is an
		// optional hint, falling back to default_instance_concurrency.
	}

	return EndpointMetadata{Variants: variants, Tags: tags}, nil
}

// instanceConcurrencyTag is the endpoint-level concurrency hint.
const instanceConcurrencyTag = "osml:instance-concurrency"

// perInstanceConcurrency parses the osml:instance-concurrency tag, falling
// back to def when absent or not a positive integer.
func perInstanceConcurrency(tags map[string]string, def int) int {
	v, ok := tags[instanceConcurrencyTag]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
