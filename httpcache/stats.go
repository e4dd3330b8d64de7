package httpcache

import (
	"reflect"

	"github.com/gostratum/core/logx"
	"go.uber.org/atomic"
)

// Stats holds statistics for server operation. Can be requested with Server.GetStatistics().
type Stats struct {
	ErrorsCount           int64 `json:"errors" log:"errors"`
	UploadCount           int64 `json:"uploads" log:"uploads"`
	UploadSkippedCount    int64 `json:"uploads_skipped" log:"uploads_skipped"`
	ExistsYesCount        int64 `json:"exists_yes" log:"exists_yes"`
	ExistsNoCount         int64 `json:"exists_no" log:"exists_no"`
	DownloadCount         int64 `json:"downloads" log:"downloads"`
	DownloadNotFoundCount int64 `json:"downloads_not_found" log:"downloads_not_found"`
	DeleteCount           int64 `json:"deletes" log:"deletes"`

	UploadedBytes   int64 `json:"ul_bytes" log:"ul_bytes"`
	DownloadedBytes int64 `json:"dl_bytes" log:"dl_bytes"`
}

// Fields converts non-zero stats to log fields.
// For example, logger.Info("server stats", stats.Fields()...)
func (st Stats) Fields() (result []logx.Field) {
	types := reflect.TypeOf(st)
	values := reflect.ValueOf(st)

	for i := 0; i < types.NumField(); i++ {
		var (
			f = types.Field(i)
			v = values.Field(i).Int()

			tag = f.Tag.Get("log")
		)
		if tag != "" && v > 0 {
			result = append(result, logx.Int64(tag, v))
		}
	}
	if len(result) == 0 {
		result = []logx.Field{logx.Int("cache_requests", 0)}
	}
	return
}

// counters are the live, concurrency-safe form of Stats.
type counters struct {
	errors           atomic.Int64
	uploads          atomic.Int64
	uploadsSkipped   atomic.Int64
	existsYes        atomic.Int64
	existsNo         atomic.Int64
	downloads        atomic.Int64
	downloadNotFound atomic.Int64
	deletes          atomic.Int64
	uploadedBytes    atomic.Int64
	downloadedBytes  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		ErrorsCount:           c.errors.Load(),
		UploadCount:           c.uploads.Load(),
		UploadSkippedCount:    c.uploadsSkipped.Load(),
		ExistsYesCount:        c.existsYes.Load(),
		ExistsNoCount:         c.existsNo.Load(),
		DownloadCount:         c.downloads.Load(),
		DownloadNotFoundCount: c.downloadNotFound.Load(),
		DeleteCount:           c.deletes.Load(),
		UploadedBytes:         c.uploadedBytes.Load(),
		DownloadedBytes:       c.downloadedBytes.Load(),
	}
}

func (c *counters) reset() {
	for _, v := range []*atomic.Int64{
		&c.errors, &c.uploads, &c.uploadsSkipped, &c.existsYes, &c.existsNo,
		&c.downloads, &c.downloadNotFound, &c.deletes, &c.uploadedBytes, &c.downloadedBytes,
	} {
		v.Store(0)
	}
}
