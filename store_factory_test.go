package lakecommit

import (
	"testing"

	"pkt.systems/lakecommit/internal/storage/disk"
	"pkt.systems/lakecommit/internal/storage/memory"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, err := openBackend(Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendDisk(t *testing.T) {
	root := t.TempDir()
	backend, err := openBackend(Config{Store: "disk://" + root})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
}

func TestOpenBackendUnknownScheme(t *testing.T) {
	if _, err := openBackend(Config{Store: "ftp://host/bucket"}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "aws:kms",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" || s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected location: %+v", s3cfg)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure path-style config: %+v", s3cfg)
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "aws:kms" {
		t.Fatalf("unexpected encryption settings: %+v", s3cfg)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	for _, bad := range []string{"s3://", "s3://host", "aws://bucket"} {
		if _, _, err := BuildGenericS3Config(Config{Store: bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBuildGenericS3ConfigEnvCredentials(t *testing.T) {
	t.Setenv("LAKECOMMIT_S3_ACCESS_KEY_ID", "envkey")
	t.Setenv("LAKECOMMIT_S3_SECRET_ACCESS_KEY", "")
	if _, summary, err := BuildGenericS3Config(Config{Store: "s3://host/bucket"}); err == nil {
		t.Fatalf("expected incomplete credentials error")
	} else if summary.Source != "env:LAKECOMMIT_S3_ACCESS_KEY_ID" {
		t.Fatalf("unexpected source %q", summary.Source)
	}
	t.Setenv("LAKECOMMIT_S3_SECRET_ACCESS_KEY", "envsecret")
	if _, summary, err := BuildGenericS3Config(Config{Store: "s3://host/bucket"}); err != nil || !summary.HasSecret {
		t.Fatalf("expected env credentials, got %+v %v", summary, err)
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, err := BuildAWSConfig(Config{Store: "aws://bucket/lake"}); err == nil {
		t.Fatalf("expected missing region error")
	}
	cfg, err := BuildAWSConfig(Config{Store: "aws://bucket/lake/?region=eu-north-1&endpoint=http://localhost:4566", S3KMSKeyID: "kms"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if cfg.Bucket != "bucket" || cfg.Prefix != "lake" || cfg.Region != "eu-north-1" {
		t.Fatalf("unexpected aws config %+v", cfg)
	}
	if cfg.Endpoint != "http://localhost:4566" || cfg.KMSKeyID != "kms" {
		t.Fatalf("unexpected aws overrides %+v", cfg)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("LAKECOMMIT_AZURE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_STORAGE_KEY", "")
	cfg, err := BuildAzureConfig(Config{Store: "azure://acct/container/tables?sas=sv%3D1"})
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if cfg.Account != "acct" || cfg.Container != "container" || cfg.Prefix != "tables" || cfg.SASToken != "sv=1" {
		t.Fatalf("unexpected azure config %+v", cfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatalf("expected missing container error")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	cfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/lakecommit?watch=false"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if cfg.Root != "/var/lib/lakecommit" || cfg.Watch {
		t.Fatalf("unexpected disk config %+v", cfg)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatalf("expected missing path error")
	}
}
