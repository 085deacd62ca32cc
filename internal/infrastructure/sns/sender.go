package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/geo-sightings/internal/config"
	"github.com/geo-sightings/internal/domain"
)

// API is the subset of the SNS client the transport calls.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
}

// Transport delivers data-only push messages through SNS mobile push. Device tokens are
// registered as platform endpoints on first use.
type Transport struct {
	client      API
	platformARN string

	mu        sync.Mutex
	endpoints map[string]string
}

func NewClient(cfg *config.Config) (*sns.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SNSRegion),
	}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	var clientOpts []func(*sns.Options)
	if cfg.AWSEndpointURL != "" {
		clientOpts = append(clientOpts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		})
	}
	return sns.NewFromConfig(awsCfg, clientOpts...), nil
}

func NewTransport(client API, platformARN string) *Transport {
	return &Transport{client: client, platformARN: platformARN, endpoints: make(map[string]string)}
}

// Dispatch publishes msg to every token. Per-token failures are reported in the result; an
// error is returned only when the batch could not be attempted.
func (t *Transport) Dispatch(ctx context.Context, tokens []string, msg domain.PushMessage) (domain.DispatchResult, error) {
	var res domain.DispatchResult
	if len(tokens) == 0 {
		return res, nil
	}
	if t.platformARN == "" {
		return res, errors.New("sns platform application arn is not configured")
	}
	body, err := encodeMessage(msg)
	if err != nil {
		return res, err
	}

	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := t.publish(ctx, token, body); err != nil {
			slog.Warn("push publish failed", "err", err)
			res.FailureCount++
			res.Failed = append(res.Failed, token)
			continue
		}
		res.SuccessCount++
	}
	return res, nil
}

func (t *Transport) publish(ctx context.Context, token, body string) error {
	arn, err := t.endpoint(ctx, token)
	if err != nil {
		return err
	}
	_, err = t.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(arn),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		t.forget(token)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// endpoint returns the platform endpoint ARN for token. CreatePlatformEndpoint is
// idempotent for an unchanged token, so a lost cache entry only costs one call.
func (t *Transport) endpoint(ctx context.Context, token string) (string, error) {
	t.mu.Lock()
	arn, ok := t.endpoints[token]
	t.mu.Unlock()
	if ok {
		return arn, nil
	}
	out, err := t.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(t.platformARN),
		Token:                  aws.String(token),
	})
	if err != nil {
		return "", fmt.Errorf("create platform endpoint: %w", err)
	}
	arn = aws.ToString(out.EndpointArn)
	t.mu.Lock()
	t.endpoints[token] = arn
	t.mu.Unlock()
	return arn, nil
}

func (t *Transport) forget(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.endpoints, token)
}

// encodeMessage builds the per-platform JSON envelope SNS expects with
// MessageStructure=json. Both platforms receive a data-only payload.
func encodeMessage(msg domain.PushMessage) (string, error) {
	gcm, err := json.Marshal(map[string]any{"data": msg.Data, "priority": "high"})
	if err != nil {
		return "", fmt.Errorf("encode gcm payload: %w", err)
	}
	apnsPayload := map[string]any{"aps": map[string]any{"content-available": 1}}
	for k, v := range msg.Data {
		apnsPayload[k] = v
	}
	apns, err := json.Marshal(apnsPayload)
	if err != nil {
		return "", fmt.Errorf("encode apns payload: %w", err)
	}
	envelope, err := json.Marshal(map[string]string{
		"default": msg.Data["sightingType"] + " sighting nearby",
		"GCM":     string(gcm),
		"APNS":    string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("encode sns message: %w", err)
	}
	return string(envelope), nil
}
