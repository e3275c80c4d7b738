package artifact

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sweepable is implemented by stores that can purge artifacts past the
// retention cutoff.
type Sweepable interface {
	SweepExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// RunSweeper purges expired artifacts on an hourly cadence until the context
// is cancelled. Retention is a privacy requirement: raw audio and document
// scans must not outlive their processing window.
func RunSweeper(ctx context.Context, store Store, ttl time.Duration) {
	sw, ok := store.(Sweepable)
	if !ok {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sw.SweepExpired(ctx, time.Now().Add(-ttl))
			if err != nil {
				log.Printf("artifact sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("artifact sweep: purged %d expired artifacts", n)
			}
		}
	}
}

func (l *LocalStore) SweepExpired(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.Walk(l.BaseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	if os.IsNotExist(err) {
		return removed, nil
	}
	return removed, err
}

func (s *S3Store) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return removed, err
		}
		for _, obj := range out.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return removed, err
			}
			removed++
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return removed, nil
		}
		token = out.NextContinuationToken
	}
}
