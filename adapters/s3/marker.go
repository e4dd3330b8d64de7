package s3

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// LastAccessedTag is the object tag holding the last-accessed time in unix
// nanoseconds. Bucket lifecycle rules can filter on it.
const LastAccessedTag = "last-accessed"

// tagMarker stores the last-accessed marker as an object tag.
type tagMarker struct {
	storage *Storage
}

func (m *tagMarker) tags(ctx context.Context, key string) (*s3.Client, []types.Tag, error) {
	client, err := m.storage.client.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	out, err := client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(m.storage.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, MapS3Error(err, "get_tagging", key)
	}
	return client, out.TagSet, nil
}

func (m *tagMarker) LastAccessed(ctx context.Context, key string) (time.Time, int64, error) {
	_, tags, err := m.tags(ctx, key)
	if err != nil {
		return time.Time{}, 0, err
	}
	for _, tag := range tags {
		if aws.ToString(tag.Key) != LastAccessedTag {
			continue
		}
		nanos, err := strconv.ParseInt(aws.ToString(tag.Value), 10, 64)
		if err != nil {
			// Unreadable markers are overwritten.
			return time.Time{}, 0, nil
		}
		return time.Unix(0, nanos), 0, nil
	}
	return time.Time{}, 0, nil
}

func (m *tagMarker) MarkAccessed(ctx context.Context, key string, at time.Time, _ int64) error {
	client, tags, err := m.tags(ctx, key)
	if err != nil {
		return err
	}

	merged := make([]types.Tag, 0, len(tags)+1)
	for _, tag := range tags {
		if aws.ToString(tag.Key) != LastAccessedTag {
			merged = append(merged, tag)
		}
	}
	merged = append(merged, types.Tag{
		Key:   aws.String(LastAccessedTag),
		Value: aws.String(strconv.FormatInt(at.UnixNano(), 10)),
	})

	_, err = client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(m.storage.cfg.Bucket),
		Key:     aws.String(key),
		Tagging: &types.Tagging{TagSet: merged},
	})
	if err != nil {
		return MapS3Error(err, "put_tagging", key)
	}
	return nil
}
