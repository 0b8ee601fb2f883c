package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"marketplace-sync-orchestrator/internal/config"
	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/queue"
)

// Archiver uploads run artifacts to S3: terminal run reports for audit and
// dead-lettered task payloads so operators can inspect what exhausted its
// retries without digging through Redis.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds an Archiver from config. It returns nil when no bucket is
// configured; callers treat a nil Archiver as archival disabled.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveRegion),
	}
	if cfg.ArchiveEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveEndpoint,
					HostnameImmutable: cfg.ArchivePathStyle,
					SigningRegion:     cfg.ArchiveRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchivePathStyle
	})

	return &Archiver{
		client: client,
		bucket: cfg.ArchiveBucket,
		prefix: cfg.ArchivePrefix,
	}, nil
}

// PutRunReport stores the final run record and its result summary.
func (a *Archiver) PutRunReport(ctx context.Context, run models.SyncRun, summary models.ResultSummary) error {
	key := fmt.Sprintf("%s/%s/runs/%s.json", a.prefix, run.TenantID, run.ID)
	return a.put(ctx, key, map[string]any{
		"run":         run,
		"summary":     summary,
		"archived_at": time.Now().UTC(),
	})
}

// PutDeadLetter stores a dead-lettered task payload next to its reason.
func (a *Archiver) PutDeadLetter(ctx context.Context, t queue.Task, reason string) error {
	key := fmt.Sprintf("%s/%s/dead-letters/%s-%s.json", a.prefix, t.TenantID, t.RunID, t.Step)
	return a.put(ctx, key, map[string]any{
		"task":        t,
		"reason":      reason,
		"archived_at": time.Now().UTC(),
	})
}

func (a *Archiver) put(ctx context.Context, key string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal archive doc: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
