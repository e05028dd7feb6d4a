// Package s3 is an object store source on minio-go. Every object below a
// prefix becomes a document.
package s3

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/birdayz/docflow"
	"github.com/birdayz/docflow/internal/memthrottle"
	"github.com/birdayz/docflow/kdoc"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	FieldKey         = "key"
	FieldBucket      = "bucket"
	FieldSize        = "size"
	FieldETag        = "etag"
	FieldContentType = "content_type"
	FieldModified    = "modified"
)

// Config holds the connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// Objects lists and reads the objects of one bucket.
type Objects interface {
	Bucket() string
	List(ctx context.Context, prefix string) <-chan minio.ObjectInfo
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Bucket is Objects on a minio client.
type Bucket struct {
	mc   *minio.Client
	name string
}

// Connect creates a minio client for cfg.
func Connect(cfg Config) (*Bucket, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return NewBucket(mc, cfg.Bucket), nil
}

func NewBucket(mc *minio.Client, name string) *Bucket {
	return &Bucket{mc: mc, name: name}
}

func (b *Bucket) Bucket() string { return b.name }

func (b *Bucket) List(ctx context.Context, prefix string) <-chan minio.ObjectInfo {
	return b.mc.ListObjects(ctx, b.name, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
}

func (b *Bucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.mc.GetObject(ctx, b.name, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return obj, nil
}

// Option configures a Source.
type Option func(*Source)

var WithLog = func(log *slog.Logger) Option {
	return func(s *Source) {
		s.log = log
	}
}

var WithPrefix = func(prefix string) Option {
	return func(s *Source) {
		s.prefix = prefix
	}
}

var WithThrottle = func(t *memthrottle.Throttle) Option {
	return func(s *Source) {
		s.throttle = t
	}
}

// Source lists a bucket on every scan.
type Source struct {
	objects  Objects
	prefix   string
	throttle *memthrottle.Throttle
	log      *slog.Logger
}

func New(objects Objects, opts ...Option) *Source {
	s := &Source{
		objects: objects,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.throttle == nil {
		s.throttle = memthrottle.New(memthrottle.WithLog(s.log))
	}
	return s
}

func (s *Source) Scan(ctx context.Context, visit func(docflow.Resource) error) error {
	ctx, cancel := context.WithCancel(ctx)
	// stops the listing goroutine when visit fails
	defer cancel()

	for info := range s.objects.List(ctx, s.prefix) {
		if info.Err != nil {
			return fmt.Errorf("list %s/%s: %w", s.objects.Bucket(), s.prefix, info.Err)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		if err := visit(&object{src: s, info: info}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

type object struct {
	src  *Source
	info minio.ObjectInfo
}

func (o *object) ID() string {
	return "s3://" + o.src.objects.Bucket() + "/" + o.info.Key
}

func (o *object) Modified() (time.Time, bool) {
	return o.info.LastModified, !o.info.LastModified.IsZero()
}

func (o *object) Load(ctx context.Context, doc *kdoc.Document) error {
	if err := o.src.throttle.Await(ctx, o.info.Size); err != nil {
		return fmt.Errorf("%s: %w", o.info.Key, err)
	}
	r, err := o.src.objects.Get(ctx, o.info.Key)
	if err != nil {
		return err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read %s: %w", o.info.Key, err)
	}

	doc.Set(FieldBucket, o.src.objects.Bucket())
	doc.Set(FieldKey, o.info.Key)
	doc.Set(FieldSize, strconv.FormatInt(o.info.Size, 10))
	if o.info.ETag != "" {
		doc.Set(FieldETag, o.info.ETag)
	}
	if o.info.ContentType != "" {
		doc.Set(FieldContentType, o.info.ContentType)
	}
	if !o.info.LastModified.IsZero() {
		doc.SetVolatile(FieldModified, o.info.LastModified.UTC().Format(time.RFC3339Nano))
	}
	doc.SetRaw(data)
	return nil
}

var (
	_ docflow.Source = (*Source)(nil)
	_ Objects        = (*Bucket)(nil)
)
