package gcs

import (
	"context"
	"time"

	"cloud.google.com/go/storage"
)

// customTimeMarker keeps the last-accessed marker in the object's CustomTime,
// which bucket lifecycle rules (daysSinceCustomTime) act on. Updates are
// guarded by the metageneration read alongside the marker.
type customTimeMarker struct {
	storage *Storage
}

func (m *customTimeMarker) object(ctx context.Context, key string) (*storage.ObjectHandle, error) {
	bucket, err := m.storage.client.Bucket(ctx)
	if err != nil {
		return nil, err
	}
	return bucket.Object(key), nil
}

func (m *customTimeMarker) LastAccessed(ctx context.Context, key string) (time.Time, int64, error) {
	obj, err := m.object(ctx, key)
	if err != nil {
		return time.Time{}, 0, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return time.Time{}, 0, MapGCSError(err, "attrs", key)
	}
	return attrs.CustomTime, attrs.Metageneration, nil
}

func (m *customTimeMarker) MarkAccessed(ctx context.Context, key string, at time.Time, metageneration int64) error {
	obj, err := m.object(ctx, key)
	if err != nil {
		return err
	}
	if metageneration > 0 {
		obj = obj.If(storage.Conditions{MetagenerationMatch: metageneration})
	}
	if _, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{CustomTime: at}); err != nil {
		return MapGCSError(err, "update_custom_time", key)
	}
	return nil
}
