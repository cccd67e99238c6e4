package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/tonal-labs/cantata/pkg/api"
)

// Archiver ships trimmed telemetry to a blob bucket using
// gocloud.dev/blob, supporting S3, GCS, Azure Blob Storage, and
// S3-compatible stores
type Archiver struct {
	bucket *blob.Bucket
	prefix string
	clock  func() time.Time
}

// NewArchiver opens the bucket named by bucketURL. Keys are written
// under prefix/<composition-id>/
func NewArchiver(
	ctx context.Context, bucketURL, prefix string,
) (*Archiver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &Archiver{
		bucket: bucket,
		prefix: prefix,
		clock:  time.Now,
	}, nil
}

// Archive writes the records as one JSONL object keyed by the archive
// time
func (a *Archiver) Archive(
	id api.CompositionID, records []*api.ExecutionRecord,
) error {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	key := a.keyFor(id, a.clock().UTC())
	return a.bucket.WriteAll(context.Background(), key, buf.Bytes(), nil)
}

// Load reads one archived batch back. A missing key yields no records
// and no error
func (a *Archiver) Load(
	ctx context.Context, key string,
) ([]*api.ExecutionRecord, error) {
	data, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, err
	}

	var res []*api.ExecutionRecord
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var rec api.ExecutionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		res = append(res, &rec)
	}
	return res, nil
}

// Keys lists the archived batch keys for one composition, oldest first
func (a *Archiver) Keys(
	ctx context.Context, id api.CompositionID,
) ([]string, error) {
	iter := a.bucket.List(&blob.ListOptions{
		Prefix: a.prefix + string(id) + "/",
	})
	var res []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		res = append(res, obj.Key)
	}
}

func (a *Archiver) Close() error {
	return a.bucket.Close()
}

func (a *Archiver) keyFor(id api.CompositionID, ts time.Time) string {
	return fmt.Sprintf("%s%s/%s.jsonl",
		a.prefix, id, ts.Format("20060102T150405.000000000"))
}
