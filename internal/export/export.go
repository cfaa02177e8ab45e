// Package export writes audience filter results to S3 as CSV for the
// platform's export and email-targeting collaborators. Column names follow
// the details wire contract (product_id, price_cents, created_at, ...).
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/audience-engine/internal/audience"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// Uploader is the blob destination. Satisfied by *s3.Client.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter renders filter results to CSV and uploads them.
type Exporter struct {
	uploader Uploader
	bucket   string
	prefix   string
}

// NewExporter creates an exporter over a ready uploader.
func NewExporter(uploader Uploader, bucket, prefix string) *Exporter {
	return &Exporter{uploader: uploader, bucket: bucket, prefix: prefix}
}

// NewS3Exporter builds an exporter with a real S3 client. Static credentials
// are optional; with none given the default AWS chain applies.
func NewS3Exporter(ctx context.Context, bucket, prefix, region, accessKey, secretKey string) (*Exporter, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewExporter(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// Export uploads one CSV of matches and returns the object key. One row per
// member; the per-category qualifying fact ids ride along when present.
func (e *Exporter) Export(ctx context.Context, sellerID int64, matches []audience.Match) (string, error) {
	body, err := renderCSV(matches)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s/%d/audience-%s.csv", e.prefix, sellerID, time.Now().UTC().Format("20060102-150405"))
	_, err = e.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}

	logger.Info("audience export uploaded", "seller_id", sellerID, "key", key, "rows", len(matches))
	return key, nil
}

var csvHeader = []string{
	"member_id", "email",
	"customer", "follower", "affiliate",
	"min_paid_cents", "max_paid_cents",
	"min_created_at", "max_created_at",
	"purchase_id", "follower_id", "affiliate_id",
}

func renderCSV(matches []audience.Match) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, match := range matches {
		m := match.Member
		row := []string{
			strconv.FormatInt(m.ID, 10),
			m.Email,
			strconv.FormatBool(m.Summary.Customer),
			strconv.FormatBool(m.Summary.Follower),
			strconv.FormatBool(m.Summary.Affiliate),
			formatCents(m.Summary.MinPaidCents),
			formatCents(m.Summary.MaxPaidCents),
			formatTime(m.Summary.MinCreatedAt),
			formatTime(m.Summary.MaxCreatedAt),
			formatID(match.PurchaseID),
			formatID(match.FollowerID),
			formatID(match.AffiliateID),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatCents(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatID(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
