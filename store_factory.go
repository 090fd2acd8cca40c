package lakecommit

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/lakecommit/internal/pathutil"
	"pkt.systems/lakecommit/internal/storage"
	awsstore "pkt.systems/lakecommit/internal/storage/aws"
	azurestore "pkt.systems/lakecommit/internal/storage/azure"
	"pkt.systems/lakecommit/internal/storage/disk"
	"pkt.systems/lakecommit/internal/storage/memory"
	"pkt.systems/lakecommit/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// backendOpeners maps store URL schemes to constructors.
var backendOpeners = map[string]func(Config) (storage.Backend, error){
	"":       openMemory,
	"mem":    openMemory,
	"memory": openMemory,
	"disk": func(cfg Config) (storage.Backend, error) {
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	},
	"s3": func(cfg Config) (storage.Backend, error) {
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := checkBucket(store); err != nil {
			return nil, err
		}
		return store, nil
	},
	"aws": func(cfg Config) (storage.Backend, error) {
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return awsstore.New(awscfg)
	},
	"azure": func(cfg Config) (storage.Backend, error) {
		azcfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azcfg)
	},
}

func openMemory(Config) (storage.Backend, error) { return memory.New(), nil }

func openBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	open, ok := backendOpeners[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return open(cfg)
}

// parseStore parses cfg.Store and insists on scheme.
func parseStore(cfg Config, scheme string) (*url.URL, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return u, nil
}

// queryBool reads a boolean query parameter, keeping def when it is absent
// or unparsable.
func queryBool(q url.Values, name string, def bool) bool {
	if v := q.Get(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// firstNonEmpty returns the first candidate that is not blank after
// trimming.
func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

func firstEnv(names ...string) string {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = os.Getenv(name)
	}
	return firstNonEmpty(values...)
}

func splitBucketPath(p string) (head, rest string) {
	head, rest, _ = strings.Cut(strings.Trim(p, "/"), "/")
	return head, strings.Trim(rest, "/")
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs that
// target S3-compatible services through minio.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := parseStore(cfg, "s3")
	if err != nil {
		return s3.Config{}, CredentialSummary{}, err
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	q := u.Query()
	insecure := strings.EqualFold(q.Get("scheme"), "http") || queryBool(q, "insecure", false)
	creds, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(q.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(q, "path-style", false),
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       firstNonEmpty(q.Get("kms-key-id"), cfg.S3KMSKeyID),
		CustomCreds:    creds,
	}, summary, nil
}

// resolveGenericS3Credentials prefers explicit config, then the
// LAKECOMMIT_S3_* environment, and falls back to anonymous access.
func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	access, secret, token := strings.TrimSpace(cfg.S3AccessKeyID), cfg.S3SecretAccessKey, cfg.S3SessionToken
	source := "config"
	if access == "" && secret == "" && token == "" {
		access = strings.TrimSpace(os.Getenv("LAKECOMMIT_S3_ACCESS_KEY_ID"))
		secret = os.Getenv("LAKECOMMIT_S3_SECRET_ACCESS_KEY")
		token = os.Getenv("LAKECOMMIT_S3_SESSION_TOKEN")
		source = "env:LAKECOMMIT_S3_ACCESS_KEY_ID"
	}
	if access == "" && secret == "" && token == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: access, HasSecret: secret != "", Source: source}
	if access == "" || secret == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(access, secret, token), summary, nil
}

func checkBucket(store *s3.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := store.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", store.Config().Bucket)
	}
	return nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs served through the AWS
// SDK. The region comes from ?region=, --aws-region or the AWS environment.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := parseStore(cfg, "aws")
	if err != nil {
		return awsstore.Config{}, err
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	q := u.Query()
	region := firstNonEmpty(q.Get("region"), cfg.AWSRegion, firstEnv("AWS_REGION", "AWS_DEFAULT_REGION"))
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or LAKECOMMIT_AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:      q.Get("endpoint"),
		Region:        region,
		Bucket:        bucket,
		Prefix:        strings.Trim(u.Path, "/"),
		Insecure:      queryBool(q, "insecure", false),
		ServerSideEnc: cfg.S3SSE,
		KMSKeyID:      firstNonEmpty(q.Get("kms-key-id"), cfg.S3KMSKeyID),
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs. Account,
// key and SAS token may also come from flags or the Azure environment.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := parseStore(cfg, "azure")
	if err != nil {
		return azurestore.Config{}, err
	}
	account := firstNonEmpty(cfg.AzureAccount, u.Host, firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME"))
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	q := u.Query()
	return azurestore.Config{
		Account:    account,
		AccountKey: firstNonEmpty(cfg.AzureAccountKey, firstEnv("LAKECOMMIT_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")),
		Endpoint:   firstNonEmpty(q.Get("endpoint"), cfg.AzureEndpoint),
		SASToken:   firstNonEmpty(q.Get("sas"), cfg.AzureSASToken, firstEnv("LAKECOMMIT_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")),
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:///path URLs. ~ and $VARS in the path are
// expanded. The change feed is on unless ?watch=false.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := parseStore(cfg, "disk")
	if err != nil {
		return disk.Config{}, err
	}
	root := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		root = "/" + host + "/" + strings.TrimPrefix(root, "/")
	}
	if root == "" || root == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/lakecommit)")
	}
	root, err = pathutil.Expand(root)
	if err != nil {
		return disk.Config{}, fmt.Errorf("expand disk path: %w", err)
	}
	return disk.Config{Root: filepath.Clean(root), Watch: queryBool(u.Query(), "watch", true)}, nil
}
