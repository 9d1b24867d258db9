package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"flowsync/internal/config"
	"flowsync/internal/flow"
)

const backupVersionKey = "version"

// maxSinglePutSize is the largest object S3 accepts in one PutObject call.
const maxSinglePutSize = 5 << 30

// S3API is the subset of the S3 client used by S3Vault.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Vault stores uploads and backups in an S3 bucket:
//
//	<prefix>/devicezip/<name>.zip
//	<prefix>/images/<name>
//	<prefix>/backups/<deviceID>.db.age   (x-amz-meta-version: <version>)
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   S3API
	uploader *manager.Uploader
}

// NewS3Vault wraps an existing client.
func NewS3Vault(name, bucket, prefix string, client S3API) *S3Vault {
	return &S3Vault{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

// NewS3VaultFromConfig builds the client from the vault config. Static keys
// are used when configured; otherwise the default AWS credential chain applies.
func NewS3VaultFromConfig(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Vault(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, client), nil
}

func (v *S3Vault) key(parts ...string) string {
	return path.Join(append([]string{v.prefix}, parts...)...)
}

func (v *S3Vault) backupKey(deviceID string) string {
	return v.key("backups", deviceID+".db.age")
}

// PutFile uploads in a single PutObject with Content-MD5 so S3 rejects
// corrupted bodies, and returns the ETag S3 computed over what it stored.
// Multipart uploads are never used here: their ETag is not the MD5 of the
// content and could not be verified.
func (v *S3Vault) PutFile(ctx context.Context, dir, name string, r io.Reader, size int64, contentMD5, contentType string) (string, error) {
	if size > maxSinglePutSize {
		return "", fmt.Errorf("uploading %s/%s: %d bytes exceeds the single upload limit", dir, name, size)
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(v.key(dir, name)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}
	if contentMD5 != "" {
		in.ContentMD5 = aws.String(contentMD5)
	}
	var opts []func(*s3.Options)
	if _, ok := r.(io.Seeker); !ok {
		opts = append(opts, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	}
	out, err := v.client.PutObject(ctx, in, opts...)
	if err != nil {
		return "", fmt.Errorf("uploading %s/%s: %w", dir, name, err)
	}
	return aws.ToString(out.ETag), nil
}

// GetFile downloads dir/name into w.
func (v *S3Vault) GetFile(ctx context.Context, dir, name string, w io.Writer) error {
	return v.download(ctx, v.key(dir, name), w)
}

// download streams the object body into w.
func (v *S3Vault) download(ctx context.Context, key string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	return nil
}

// PutBackup uploads the backup with its version as object metadata. Large
// backups go up in parts; their ETag is not used.
func (v *S3Vault) PutBackup(ctx context.Context, deviceID string, r io.Reader, size int64, version int64) error {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(v.backupKey(deviceID)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{backupVersionKey: strconv.FormatInt(version, 10)},
	})
	if err != nil {
		return fmt.Errorf("uploading backup: %w", err)
	}
	return nil
}

// GetBackup downloads the backup of a device into w.
func (v *S3Vault) GetBackup(ctx context.Context, deviceID string, w io.Writer) error {
	return v.download(ctx, v.backupKey(deviceID), w)
}

// GetBackupVersion reads the version metadata of the backup.
// Returns 0 if no backup exists.
func (v *S3Vault) GetBackupVersion(ctx context.Context, deviceID string) (int64, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.backupKey(deviceID)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading backup version: %w", err)
	}
	raw, ok := out.Metadata[backupVersionKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing backup version %q: %w", raw, err)
	}
	return version, nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("vault bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

// Compile-time check that S3Vault implements flow.Vault interface
var _ flow.Vault = (*S3Vault)(nil)
