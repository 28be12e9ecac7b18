package runhistory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Uploader is the narrow slice of the S3 upload manager the archive service
// needs, so tests can substitute a fake instead of talking to S3.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// S3Uploader adapts the aws-sdk-go-v2 S3 upload manager to Uploader.
type S3Uploader struct {
	client *manager.Uploader
	bucket string
}

// NewS3Uploader builds an Uploader backed by an S3 bucket. endpoint
// overrides the service endpoint for an R2 or other S3-compatible store;
// pass "" to use AWS S3.
func NewS3Uploader(cfg aws.Config, bucket, endpoint string) *S3Uploader {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Uploader{
		client: manager.NewUploader(client),
		bucket: bucket,
	}
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := u.client.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("runhistory: s3 upload %s: %w", key, err)
	}
	return nil
}

// archivedRun is the JSON shape written to object storage for one run: the
// BatchRun row plus every progress row it produced, bundled together so a
// single archived object is independently restorable.
type archivedRun struct {
	Run      BatchRun      `json:"run"`
	Progress []ProgressRow `json:"progress"`
}

// ArchiveService rotates old run-history rows out of the primary database:
// rows older than the retention window are uploaded to object storage as a
// single JSON object per run, then deleted; a run is deleted only after its
// upload succeeds.
type ArchiveService struct {
	repo          Repository
	uploader      Uploader
	retentionDays int
	keyPrefix     string
	log           zerolog.Logger
}

// NewArchiveService constructs an ArchiveService. uploader may be nil, in
// which case ArchiveAndDelete only deletes rows past retention without
// archiving them first — the deployment is expected to wire a real
// Uploader whenever the S3/R2 credentials are configured.
func NewArchiveService(repo Repository, uploader Uploader, retentionDays int, log zerolog.Logger) *ArchiveService {
	return &ArchiveService{
		repo:          repo,
		uploader:      uploader,
		retentionDays: retentionDays,
		keyPrefix:     "batch-run-archive/",
		log:           log.With().Str("component", "runhistory_archive").Logger(),
	}
}

// ArchiveAndDelete uploads (if an Uploader is configured) and deletes every
// BatchRun older than the retention window, along with its progress rows.
// A run is deleted only after its archive upload succeeds; a failed upload
// leaves the run in place for the next rotation to retry.
func (s *ArchiveService) ArchiveAndDelete(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -s.retentionDays)

	runs, err := s.repo.RunsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("runhistory: archive: list candidates: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	archived := 0
	for _, run := range runs {
		if !run.Status.IsTerminal() {
			// A run that is still (or stuck) running has no business being
			// older than the retention window under normal operation; skip
			// it rather than archive an in-flight run.
			s.log.Warn().Str("run_id", run.ID).Msg("skipping non-terminal run past retention window")
			continue
		}

		progress, err := s.repo.ProgressForRun(ctx, run.ID)
		if err != nil {
			return archived, fmt.Errorf("runhistory: archive: load progress for %s: %w", run.ID, err)
		}

		if s.uploader != nil {
			payload, err := json.Marshal(archivedRun{Run: run, Progress: progress})
			if err != nil {
				return archived, fmt.Errorf("runhistory: archive: marshal %s: %w", run.ID, err)
			}
			key := fmt.Sprintf("%s%s.json", s.keyPrefix, run.ID)
			if err := s.uploader.Upload(ctx, key, payload); err != nil {
				s.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to upload run archive, leaving row in place")
				continue
			}
		}

		if err := s.repo.DeleteRun(ctx, run.ID); err != nil {
			return archived, fmt.Errorf("runhistory: archive: delete %s: %w", run.ID, err)
		}
		archived++
	}

	s.log.Info().Int("archived", archived).Int("candidates", len(runs)).Msg("run history rotation completed")
	return archived, nil
}
