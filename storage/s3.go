// storage/s3.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Each snapshot upload keeps at most s3UploadConcurrency parts of
// s3PartSize bytes in memory at once, independent of the snapshot's size.
const (
	s3PartSize          = 16 * 1024 * 1024
	s3UploadConcurrency = 2
)

type S3Options struct {
	Bucket string
	// Optional; the SDK's default region resolution is used otherwise.
	Region string
	// Storage class for new objects. Snapshots are rarely read, so
	// STANDARD_IA is the default.
	StorageClass string
}

// s3Store implements Store using an S3 bucket. Versioning and retention
// of old snapshots are up to the bucket's configuration.
type s3Store struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	storageClass types.StorageClass
}

func NewS3(ctx context.Context, options S3Options) (Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if options.Region != "" {
		opts = append(opts, awsconfig.WithRegion(options.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewS3FromClient(s3.NewFromConfig(cfg), options), nil
}

func NewS3FromClient(client *s3.Client, options S3Options) Store {
	sc := types.StorageClassStandardIa
	if options.StorageClass != "" {
		sc = types.StorageClass(options.StorageClass)
	}
	return &s3Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
			u.Concurrency = s3UploadConcurrency
			// Failed uploads must not leave anything behind.
			u.LeavePartsOnError = false
		}),
		bucket:       options.Bucket,
		storageClass: sc,
	}
}

func (s *s3Store) String() string {
	return "s3://" + s.bucket
}

func (s *s3Store) Create(ctx context.Context, key string) (Writer, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	w := &s3Writer{key: key, pw: pw, cancel: cancel, done: make(chan error, 1)}

	// The upload runs concurrently with the writes; the pipe provides
	// the backpressure.
	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(s.bucket),
			Key:          aws.String(key),
			Body:         pr,
			StorageClass: s.storageClass,
			ContentType:  aws.String("application/octet-stream"),
		})
		// Unblock any pending Write if the upload gave up early.
		pr.CloseWithError(err)
		w.done <- err
	}()

	log.Debug("%s: started upload to %s", key, s)
	return w, nil
}

func (s *s3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var objs []Object
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range page.Contents {
			objs = append(objs, Object{
				Key:      aws.ToString(o.Key),
				Size:     aws.ToInt64(o.Size),
				Modified: aws.ToTime(o.LastModified),
			})
		}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

type s3Writer struct {
	key    string
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error

	once sync.Once
	err  error
}

func (w *s3Writer) Write(b []byte) (int, error) {
	return w.pw.Write(b)
}

func (w *s3Writer) finish(err error) error {
	w.once.Do(func() {
		if err != nil {
			// Failing the body and cancelling the context makes the
			// uploader abort any multipart upload it started.
			w.pw.CloseWithError(err)
			w.cancel()
			<-w.done
			w.err = err
			return
		}
		w.pw.Close()
		w.err = <-w.done
		w.cancel()
		if w.err == nil {
			log.Debug("%s: finished upload", w.key)
		}
	})
	return w.err
}

func (w *s3Writer) Close() error {
	return w.finish(nil)
}

func (w *s3Writer) Abort(err error) {
	if err == nil {
		err = errors.New("upload aborted")
	}
	w.finish(err)
}
