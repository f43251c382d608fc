package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"polyfield-edm/internal/calibration"
)

const (
	keyPrefix = "calibrations"
	// fixed width so keys sort by time
	stampLayout = "20060102T150405.000000000Z"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps each record as its own object under
// calibrations/<day>/<circle>/<timestamp>-<id>.json, optionally gzipped.
type S3Store struct {
	client S3API
	bucket string
	gzip   bool
}

// NewS3Store loads the default AWS configuration (environment, shared
// config and credentials files) and checks the bucket is reachable.
func NewS3Store(ctx context.Context, bucket string, gzip bool) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("archive: head bucket failed for %s: %w", bucket, err)
	}
	return NewS3StoreWithClient(client, bucket, gzip), nil
}

func NewS3StoreWithClient(client S3API, bucket string, gzip bool) *S3Store {
	return &S3Store{client: client, bucket: bucket, gzip: gzip}
}

func (s *S3Store) circlePrefix(day string, circle calibration.CircleType) string {
	return fmt.Sprintf("%s/%s/%s/", keyPrefix, day, circle)
}

func (s *S3Store) objectKey(rec calibration.Record) string {
	key := s.circlePrefix(DayKey(rec.CreatedAt), rec.CircleType) +
		rec.CreatedAt.UTC().Format(stampLayout) + "-" + rec.ID + ".json"
	if s.gzip {
		key += ".gz"
	}
	return key
}

func (s *S3Store) Save(ctx context.Context, rec calibration.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: failed to encode %s: %w", rec.ID, err)
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(rec)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if s.gzip {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return fmt.Errorf("archive: failed to gzip %s: %w", rec.ID, err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("archive: failed to close gzip writer for %s: %w", rec.ID, err)
		}
		input.Body = &buf
		input.ContentEncoding = aws.String("gzip")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("archive: put failed for %s/%s: %w", s.bucket, *input.Key, err)
	}
	log.Printf("archive: stored %s/%s", s.bucket, *input.Key)
	return s.prune(ctx, s.circlePrefix(DayKey(rec.CreatedAt), rec.CircleType))
}

// prune deletes all but the newest KeepPerDay objects under prefix.
func (s *S3Store) prune(ctx context.Context, prefix string) error {
	keys, err := s.keys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) <= KeepPerDay {
		return nil
	}
	for _, key := range keys[:len(keys)-KeepPerDay] {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("archive: delete failed for %s/%s: %w", s.bucket, key, err)
		}
		log.Printf("archive: pruned %s/%s", s.bucket, key)
	}
	return nil
}

// keys lists object keys under prefix in ascending order.
func (s *S3Store) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: list failed for %s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) get(ctx context.Context, key string) (calibration.Record, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return calibration.Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return calibration.Record{}, fmt.Errorf("archive: failed to get %s/%s: %w", s.bucket, key, err)
	}
	defer resp.Body.Close()

	var rdr io.Reader = resp.Body
	if strings.HasSuffix(key, ".gz") {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return calibration.Record{}, fmt.Errorf("archive: failed to open compressed %s/%s: %w", s.bucket, key, err)
		}
		defer gr.Close()
		rdr = gr
	}
	var rec calibration.Record
	if err := json.NewDecoder(rdr).Decode(&rec); err != nil {
		return calibration.Record{}, fmt.Errorf("archive: failed to decode %s/%s: %w", s.bucket, key, err)
	}
	return rec, nil
}

func (s *S3Store) List(ctx context.Context, day time.Time) ([]calibration.Record, error) {
	keys, err := s.keys(ctx, fmt.Sprintf("%s/%s/", keyPrefix, DayKey(day)))
	if err != nil {
		return nil, err
	}
	recs := make([]calibration.Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

func (s *S3Store) Latest(ctx context.Context, circle calibration.CircleType) (calibration.Record, error) {
	keys, err := s.keys(ctx, keyPrefix+"/")
	if err != nil {
		return calibration.Record{}, err
	}
	marker := "/" + string(circle) + "/"
	for i := len(keys) - 1; i >= 0; i-- {
		if strings.Contains(keys[i], marker) {
			return s.get(ctx, keys[i])
		}
	}
	return calibration.Record{}, fmt.Errorf("%w for %s", ErrNotFound, circle)
}
