package objectstore

import (
	"context"
	"testing"
)

func TestDefaultConfig_HasUsEast1Region(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Region != "us-east-1" {
		t.Fatalf("Region = %q, want us-east-1", cfg.Region)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), &Config{Region: "us-east-1"})
	if err == nil {
		t.Fatal("expected NewS3Store to error on a missing bucket")
	}
}

func TestNewS3Store_RequiresBucket_TrimsWhitespace(t *testing.T) {
	_, err := NewS3Store(context.Background(), &Config{Bucket: "   "})
	if err == nil {
		t.Fatal("expected NewS3Store to treat a whitespace-only bucket as missing")
	}
}

func TestS3Store_ObjectKey_NoPrefix(t *testing.T) {
	s := &S3Store{bucket: "b"}
	if got := s.objectKey("snapshots/sess-1/abc.tar.gz"); got != "snapshots/sess-1/abc.tar.gz" {
		t.Fatalf("objectKey = %q, want unchanged key when no prefix is set", got)
	}
}

func TestS3Store_ObjectKey_WithPrefix(t *testing.T) {
	s := &S3Store{bucket: "b", prefix: "astraforge"}
	got := s.objectKey("snapshots/sess-1/abc.tar.gz")
	want := "astraforge/snapshots/sess-1/abc.tar.gz"
	if got != want {
		t.Fatalf("objectKey = %q, want %q", got, want)
	}
}
