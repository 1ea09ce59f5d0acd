package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/openbmclapi-cluster/internal/coordinator"
)

const testBucket = "cluster-mirror"

// fakeS3 serves objects from memory and records requested keys.
type fakeS3 struct {
	objects map[string][]byte
	err     error
	keys    []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.keys = append(f.keys, aws.ToString(in.Key))
	if f.err != nil {
		return nil, f.err
	}
	if aws.ToString(in.Bucket) != testBucket {
		return nil, errors.New("wrong bucket")
	}
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: aws.Int64(int64(len(b))),
	}, nil
}

func newTestSource(t *testing.T, prefix string, f *fakeS3) *S3Source {
	t.Helper()
	src, err := NewS3Source(context.Background(), S3Options{Bucket: testBucket, Prefix: prefix, Client: f})
	if err != nil {
		t.Fatalf("NewS3Source: %v", err)
	}
	return src
}

func TestNewS3Source_MissingBucket(t *testing.T) {
	if _, err := NewS3Source(context.Background(), S3Options{Client: &fakeS3{}}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNewS3Source_RejectsDotPrefix(t *testing.T) {
	for _, prefix := range []string{"../other", "cache/./v1", ".."} {
		_, err := NewS3Source(context.Background(), S3Options{Bucket: testBucket, Prefix: prefix, Client: &fakeS3{}})
		if err == nil {
			t.Errorf("prefix %q: expected error", prefix)
		}
	}
}

func TestS3Source_Key(t *testing.T) {
	tests := []struct {
		prefix, hash, want string
	}{
		{"", "abcdef", "ab/abcdef"},
		{"cache", "ABCDEF", "cache/ab/abcdef"},
		{"/cache/v1/", "1234", "cache/v1/12/1234"},
		{"cache//v1", "1234", "cache/v1/12/1234"},
		{"/", "abcdef", "ab/abcdef"},
	}
	for _, tt := range tests {
		src := newTestSource(t, tt.prefix, &fakeS3{})
		if got := src.Key(tt.hash); got != tt.want {
			t.Errorf("Key(%q) with prefix %q = %q, want %q", tt.hash, tt.prefix, got, tt.want)
		}
	}
}

func TestS3Source_Open(t *testing.T) {
	f := &fakeS3{objects: map[string][]byte{"cache/ab/abcdef": []byte("payload")}}
	src := newTestSource(t, "cache", f)

	rc, err := src.Open(context.Background(), coordinator.Entry{Path: "/x", Hash: "abcdef", Size: 7})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "payload" {
		t.Fatalf("body = %q", b)
	}
}

func TestS3Source_OpenMissingIsPermanent(t *testing.T) {
	src := newTestSource(t, "", &fakeS3{objects: map[string][]byte{}})

	_, err := src.Open(context.Background(), coordinator.Entry{Path: "/x", Hash: "abcdef"})
	var me *MissingError
	if !errors.As(err, &me) {
		t.Fatalf("err = %v, want MissingError", err)
	}
	if !me.Permanent() || me.Key != "ab/abcdef" {
		t.Fatalf("MissingError = %+v", me)
	}
}

func TestS3Source_OpenOtherErrorsWrapped(t *testing.T) {
	boom := errors.New("throttled")
	src := newTestSource(t, "", &fakeS3{err: boom})

	_, err := src.Open(context.Background(), coordinator.Entry{Path: "/x", Hash: "abcdef"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	var me *MissingError
	if errors.As(err, &me) {
		t.Fatal("transient errors must not be reported as missing")
	}
}
