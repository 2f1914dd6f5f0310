package snapshot

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// cloudTier mirrors snapshots as tarballs in an S3-compatible bucket.
// The URL has the form s3://bucket/prefix or gs://bucket/prefix, with
// optional query parameters endpoint= and insecure=true for plain-HTTP
// object stores. gs:// rides Cloud Storage's S3-compatible XML API and
// needs HMAC interoperability keys. Credentials come from the standard
// AWS/MinIO environment variables or instance IAM.
type cloudTier struct {
	client *minio.Client
	bucket string
	prefix string
}

func newCloudTier(rawURL string) (*cloudTier, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot url: %w", err)
	}

	var defaultEndpoint string
	switch u.Scheme {
	case "s3":
		defaultEndpoint = "s3.amazonaws.com"
	case "gs":
		defaultEndpoint = "storage.googleapis.com"
	default:
		return nil, fmt.Errorf("snapshot url must be s3://bucket[/prefix] or gs://bucket[/prefix], got %q", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("snapshot url is missing a bucket: %q", rawURL)
	}

	endpoint := u.Query().Get("endpoint")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	secure := u.Query().Get("insecure") != "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.IAM{},
		}),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create object-store client: %w", err)
	}

	return &cloudTier{
		client: client,
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (c *cloudTier) key(sessionID string) string {
	return path.Join(c.prefix, sessionID, "workspace.tar.gz")
}

// upload packs the snapshot directory into a transient tarball and puts it
// under <prefix>/<sessionID>/workspace.tar.gz.
func (c *cloudTier) upload(ctx context.Context, sessionID, snapshotDir string) error {
	tmp, err := os.CreateTemp("", "ash-snapshot-*.tar.gz")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := createTarball(snapshotDir, tmpPath); err != nil {
		return fmt.Errorf("pack snapshot: %w", err)
	}

	_, err = c.client.FPutObject(ctx, c.bucket, c.key(sessionID), tmpPath, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

// download fetches the tarball and unpacks it into the snapshot directory.
func (c *cloudTier) download(ctx context.Context, sessionID, snapshotDir string) error {
	tmpPath := filepath.Join(os.TempDir(), fmt.Sprintf("ash-restore-%s.tar.gz", sessionID))
	defer func() { _ = os.Remove(tmpPath) }()

	if err := c.client.FGetObject(ctx, c.bucket, c.key(sessionID), tmpPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	if err := extractTarball(tmpPath, snapshotDir); err != nil {
		return fmt.Errorf("unpack snapshot: %w", err)
	}
	return nil
}

func (c *cloudTier) has(ctx context.Context, sessionID string) bool {
	_, err := c.client.StatObject(ctx, c.bucket, c.key(sessionID), minio.StatObjectOptions{})
	return err == nil
}

func (c *cloudTier) remove(ctx context.Context, sessionID string) error {
	err := c.client.RemoveObject(ctx, c.bucket, c.key(sessionID), minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
	}
	return err
}
