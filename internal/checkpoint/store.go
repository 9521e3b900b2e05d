package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned by stores when no checkpoint exists for a key.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints by key. Keys are slash-separated paths such as
// "trials/<id>/pause.json".
type Store interface {
	Save(ctx context.Context, key string, c *Checkpoint) error
	Load(ctx context.Context, key string) (*Checkpoint, error)
	Delete(ctx context.Context, key string) error
}

// Encode writes c as indented JSON.
func Encode(w io.Writer, c *Checkpoint) error {
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// Decode reads a JSON checkpoint.
func Decode(r io.Reader) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.Params == nil {
		c.Params = map[string]Tensor{}
	}
	return &c, nil
}

// MemStore keeps checkpoints in memory.
type MemStore struct {
	mu    sync.Mutex
	items map[string]*Checkpoint
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Checkpoint)}
}

func (s *MemStore) Save(_ context.Context, key string, c *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = c.Clone()
	return nil
}

func (s *MemStore) Load(_ context.Context, key string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Keys returns the stored keys (test helper).
func (s *MemStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

// FileStore writes checkpoints as JSON files under a root directory.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FileStore) Save(_ context.Context, key string, c *Checkpoint) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}
	if err := Encode(f, c); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint file: %w", err)
	}
	return os.Rename(tmp, p)
}

func (s *FileStore) Load(_ context.Context, key string) (*Checkpoint, error) {
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps checkpoints in an S3 bucket under an optional prefix.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store returns an S3Store.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) Save(ctx context.Context, key string, c *Checkpoint) error {
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	return nil
}

func (s *S3Store) Load(ctx context.Context, key string) (*Checkpoint, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	defer out.Body.Close()
	return Decode(out.Body)
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	return nil
}

// Open returns a store for uri: "" or "mem://" for memory, "s3://bucket/prefix"
// for S3 (credentials from the default AWS chain), "file://dir" or a plain
// path for a local directory. Other schemes are rejected.
func Open(ctx context.Context, uri string) (Store, error) {
	scheme, _, hasScheme := strings.Cut(uri, "://")
	switch {
	case uri == "" || strings.HasPrefix(uri, "mem://"):
		return NewMemStore(), nil
	case strings.HasPrefix(uri, "s3://"):
		rest := strings.TrimPrefix(uri, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("checkpoint uri %q has no bucket", uri)
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
	case hasScheme && scheme != "file":
		return nil, fmt.Errorf("checkpoint uri %q: unsupported scheme %q", uri, scheme)
	default:
		return NewFileStore(strings.TrimPrefix(uri, "file://")), nil
	}
}

// ValidKey checks that key is a relative store key that cannot leave the
// store root: no scheme, no leading slash and no ".." element.
func ValidKey(key string) error {
	switch {
	case key == "":
		return errors.New("empty key")
	case strings.Contains(key, "://"):
		return errors.New("must be a key in the checkpoint store, not a URI")
	case strings.HasPrefix(key, "/"), strings.HasPrefix(key, `\`), filepath.IsAbs(key):
		return errors.New("must be a relative key")
	}
	for _, part := range strings.FieldsFunc(key, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return errors.New(`must not contain ".."`)
		}
	}
	return nil
}

// LoadURI reads a single checkpoint addressed as "<store uri>/<key>", for
// example "ckpt/dropback.json" or "s3://bucket/runs/dropback.json".
func LoadURI(ctx context.Context, uri string) (*Checkpoint, error) {
	i := strings.LastIndex(uri, "/")
	if i < 0 {
		return NewFileStore(".").Load(ctx, uri)
	}
	root := uri[:i]
	if root == "" {
		root = "/"
	}
	store, err := Open(ctx, root)
	if err != nil {
		return nil, err
	}
	return store.Load(ctx, uri[i+1:])
}
