// Package blobstore mirrors successful build artifacts to object storage,
// independent of and in addition to the repository service's own release
// hosting. It uses the real AWS SDK rather than hand-rolling SigV4 request
// signing.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/thingoserr"
)

// Uploader is the capability surface the release orchestrator uses to
// mirror an artifact to object storage.
type Uploader interface {
	// Upload stores content under key and returns a public URL for it.
	Upload(ctx context.Context, key string, content []byte) (url string, err error)
}

// S3Uploader implements Uploader against an S3-compatible bucket via
// aws-sdk-go-v2.
type S3Uploader struct {
	client       *s3.Client
	bucket       string
	pathPrefix   string
	storageClass types.StorageClass
	log          *zap.SugaredLogger
}

// Config carries the s3Upload* configuration keys.
type Config struct {
	AccessKey    string
	SecretKey    string
	Region       string
	Bucket       string
	Path         string
	StorageClass string
}

// New constructs an S3Uploader from static credentials. Region defaults to
// us-east-1 when empty.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*S3Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, &thingoserr.ConfigError{Field: "s3Upload", Msg: err.Error()}
	}

	class := types.StorageClassStandard
	if cfg.StorageClass != "" {
		class = types.StorageClass(cfg.StorageClass)
	}

	return &S3Uploader{
		client:       s3.NewFromConfig(awsCfg),
		bucket:       cfg.Bucket,
		pathPrefix:   strings.Trim(cfg.Path, "/"),
		storageClass: class,
		log:          log,
	}, nil
}

// Upload puts content at {pathPrefix}/{key} with a best-effort Content-Type
// derived from the file extension (s3client.py:_guess_mimetype, including
// its .jpg→image/jpeg alias, since mime.TypeByExtension alone maps .jpg to
// no type on minimal-mime-db systems).
func (u *S3Uploader) Upload(ctx context.Context, key string, content []byte) (string, error) {
	objectKey := key
	if u.pathPrefix != "" {
		objectKey = u.pathPrefix + "/" + key
	}

	contentType := guessMimetype(key)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.bucket),
		Key:          aws.String(objectKey),
		Body:         bytes.NewReader(content),
		ContentType:  aws.String(contentType),
		StorageClass: u.storageClass,
		ACL:          types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", &thingoserr.AdapterAPIError{Service: "s3", Op: "put object", Err: err}
	}

	u.log.Debugw("uploaded blob", "bucket", u.bucket, "key", objectKey)
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", u.bucket, objectKey), nil
}

func guessMimetype(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == ".jpg" {
		ext = ".jpeg"
	}
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
