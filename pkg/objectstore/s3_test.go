package objectstore

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory stand-in for the S3 API with small pages so
// pagination is exercised
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	bucketExists bool
	pageSize     int
	listCalls    int

	putErr    error
	deleteErr error
	headErr   error
	createErr error
	listErr   error
	created   *s3.CreateBucketInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
		pageSize:     2,
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.contentTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if !f.bucketExists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)

	var keys []string
	prefixes := make(map[string]bool)
	for k := range f.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				prefixes[k[:len(prefix)+i+1]] = true
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{}
	modified := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(modified),
		})
	}
	if start == 0 {
		for p := range prefixes {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(p)})
		}
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func TestS3Store_Put(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "avatars", "us-east-1")

	require.NoError(t, store.Put(context.Background(), "assets/a.jpg", []byte("data"), "image/jpeg"))
	assert.Equal(t, []byte("data"), fake.objects["assets/a.jpg"])
	assert.Equal(t, "image/jpeg", fake.contentTypes["assets/a.jpg"])

	fake.putErr = errors.New("connection reset")
	err := store.Put(context.Background(), "assets/b.jpg", []byte("data"), "image/jpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload to s3")
}

func TestS3Store_Remove(t *testing.T) {
	fake := newFakeS3()
	fake.objects["assets/a.jpg"] = []byte("x")
	store := newS3Store(fake, "avatars", "us-east-1")

	require.NoError(t, store.Remove(context.Background(), "assets/a.jpg"))
	assert.NotContains(t, fake.objects, "assets/a.jpg")

	fake.deleteErr = errors.New("access denied")
	assert.Error(t, store.Remove(context.Background(), "assets/a.jpg"))
}

func TestS3Store_EnsureBucket(t *testing.T) {
	t.Run("creates missing bucket", func(t *testing.T) {
		fake := newFakeS3()
		store := newS3Store(fake, "avatars", "eu-west-1")

		require.NoError(t, store.EnsureBucket(context.Background()))
		require.NotNil(t, fake.created)
		assert.Equal(t, "avatars", aws.ToString(fake.created.Bucket))
		require.NotNil(t, fake.created.CreateBucketConfiguration)
		assert.Equal(t, types.BucketLocationConstraint("eu-west-1"), fake.created.CreateBucketConfiguration.LocationConstraint)
	})

	t.Run("existing bucket is left alone", func(t *testing.T) {
		fake := newFakeS3()
		fake.bucketExists = true
		store := newS3Store(fake, "avatars", "us-east-1")

		require.NoError(t, store.EnsureBucket(context.Background()))
		assert.Nil(t, fake.created)
	})

	t.Run("creation race tolerated", func(t *testing.T) {
		fake := newFakeS3()
		fake.createErr = &types.BucketAlreadyOwnedByYou{}
		store := newS3Store(fake, "avatars", "us-east-1")

		require.NoError(t, store.EnsureBucket(context.Background()))
		assert.Nil(t, fake.created.CreateBucketConfiguration)
	})

	t.Run("head failure surfaces", func(t *testing.T) {
		fake := newFakeS3()
		fake.headErr = errors.New("timeout")
		store := newS3Store(fake, "avatars", "us-east-1")

		assert.Error(t, store.EnsureBucket(context.Background()))
	})
}

func TestS3Store_BucketExists_APIErrorCodes(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "gone"}
	store := newS3Store(fake, "avatars", "us-east-1")

	exists, err := store.BucketExists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)

	fake.headErr = &smithy.GenericAPIError{Code: "AccessDenied"}
	_, err = store.BucketExists(context.Background())
	assert.Error(t, err)
}

func TestS3Store_List(t *testing.T) {
	fake := newFakeS3()
	for _, k := range []string{"assets/u1/1.jpg", "assets/u1/2.jpg", "assets/u2/1.jpg", "assets/u3/1.jpg", "assets/u3/2.jpg"} {
		fake.objects[k] = []byte(k)
	}
	fake.objects["top.txt"] = []byte("t")
	store := newS3Store(fake, "avatars", "us-east-1")
	ctx := context.Background()

	t.Run("recursive follows pagination", func(t *testing.T) {
		fake.listCalls = 0
		entries := collect(t, store.List(ctx, "assets/", true))
		require.Len(t, entries, 5)
		assert.Equal(t, 3, fake.listCalls)
		assert.Equal(t, "assets/u1/1.jpg", entries[0].Key)
		assert.Equal(t, int64(len("assets/u1/1.jpg")), entries[0].Size)
		assert.False(t, entries[0].LastModified.IsZero())
	})

	t.Run("lazy: breaking stops paging", func(t *testing.T) {
		fake.listCalls = 0
		for range store.List(ctx, "assets/", true) {
			break
		}
		assert.Equal(t, 1, fake.listCalls)
	})

	t.Run("non recursive", func(t *testing.T) {
		entries := collect(t, store.List(ctx, "", false))
		var prefixes, keys []string
		for _, e := range entries {
			if e.IsPrefix() {
				prefixes = append(prefixes, e.CommonPrefix)
			} else {
				keys = append(keys, e.Key)
			}
		}
		assert.Equal(t, []string{"assets/"}, prefixes)
		assert.Equal(t, []string{"top.txt"}, keys)
	})

	t.Run("error is yielded", func(t *testing.T) {
		fake.listErr = errors.New("throttled")
		defer func() { fake.listErr = nil }()

		var gotErr error
		for _, err := range store.List(ctx, "assets/", true) {
			gotErr = err
		}
		require.Error(t, gotErr)
		assert.Contains(t, gotErr.Error(), "failed to list objects")
	})
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
