package services

import (
	"context"
	"errors"
	"fmt"

	awspkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

var ErrPayloadNotFound = errors.New("archived payload not found")

// PayloadArchive keeps raw deliveries for manual reprocessing.
type PayloadArchive interface {
	Save(ctx context.Context, eventID string, payload []byte) error
	Load(ctx context.Context, eventID string) ([]byte, error)
}

// S3Archive stores one object per event under stripe-events/.
type S3Archive struct {
	objects awspkg.ObjectStore
}

func NewS3Archive(objects awspkg.ObjectStore) *S3Archive {
	return &S3Archive{objects: objects}
}

func archiveKey(eventID string) string {
	return "stripe-events/" + eventID + ".json"
}

func (a *S3Archive) Save(ctx context.Context, eventID string, payload []byte) error {
	return a.objects.PutObject(ctx, archiveKey(eventID), payload, "application/json")
}

func (a *S3Archive) Load(ctx context.Context, eventID string) ([]byte, error) {
	body, err := a.objects.GetObject(ctx, archiveKey(eventID))
	if errors.Is(err, awspkg.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, eventID)
	}
	return body, err
}

// RawPayloadSource is a dedup backend that keeps the payload with its record.
type RawPayloadSource interface {
	RawPayload(ctx context.Context, eventID string) ([]byte, error)
}

// DedupArchive reads payloads back from the dedup records. Save is a no-op
// because the dedup gate already stored the payload.
type DedupArchive struct {
	source RawPayloadSource
}

func NewDedupArchive(source RawPayloadSource) *DedupArchive {
	return &DedupArchive{source: source}
}

func (a *DedupArchive) Save(context.Context, string, []byte) error { return nil }

func (a *DedupArchive) Load(ctx context.Context, eventID string) ([]byte, error) {
	body, err := a.source.RawPayload(ctx, eventID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, eventID)
	}
	return body, err
}

// noArchive is used with dedup backends that keep no payload.
type noArchive struct{}

func (noArchive) Save(context.Context, string, []byte) error { return nil }

func (noArchive) Load(_ context.Context, eventID string) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s (no archive configured)", ErrPayloadNotFound, eventID)
}
