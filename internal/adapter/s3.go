package adapter

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/fressi-elastic/rally/internal/rangeset"
)

// S3Adapter speaks the S3 API. It matches s3:// URLs of the form
// s3://bucket/key.
type S3Adapter struct {
	client    *s3.Client
	chunkSize int
}

// NewS3Adapter builds an S3Adapter from the ambient AWS config, optionally
// pinned to a named profile.
func NewS3Adapter(ctx context.Context, profile string, chunkSize int) (*S3Adapter, error) {
	opts := []func(*config.LoadOptions) error{}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Adapter{client: s3.NewFromConfig(cfg), chunkSize: chunkSize}, nil
}

// MatchURL reports whether url has the s3:// scheme.
func (a *S3Adapter) MatchURL(rawurl string) bool {
	return strings.HasPrefix(rawurl, "s3://")
}

func parseS3URL(rawurl string) (bucket, key string, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %s", rawurl)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Head performs a HeadObject call and classifies the result into the adapter error taxonomy.
func (a *S3Adapter) Head(ctx context.Context, rawurl string) (Head, error) {
	bucket, key, err := parseS3URL(rawurl)
	if err != nil {
		return Head{}, PermanentError{URL: rawurl, Msg: err.Error()}
	}

	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return Head{}, classifyS3Error(rawurl, err)
	}

	h := Head{URL: rawurl, AcceptRanges: true}
	if out.ContentLength != nil {
		h.ContentLength = *out.ContentLength
		h.DocumentLength = *out.ContentLength
	}
	h.CRC32C = s3CRC32C(out.Metadata, out.ChecksumCRC32C)
	if out.LastModified != nil {
		h.Date = *out.LastModified
	}
	return h, nil
}

// Get issues a ranged or full GetObject call.
func (a *S3Adapter) Get(ctx context.Context, rawurl string, want Want) (Head, Stream, error) {
	bucket, key, err := parseS3URL(rawurl)
	if err != nil {
		return Head{}, nil, PermanentError{URL: rawurl, Msg: err.Error()}
	}

	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	ranged := want.Range != nil
	if ranged {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", want.Range.Start, want.Range.End-1))
	}

	out, err := a.client.GetObject(ctx, in)
	if err != nil {
		return Head{}, nil, classifyS3Error(rawurl, err)
	}

	h := Head{URL: rawurl, AcceptRanges: true}
	h.CRC32C = s3CRC32C(out.Metadata, out.ChecksumCRC32C)

	if ranged && out.ContentRange != nil {
		start, end, total, err := parseContentRange(*out.ContentRange)
		if err != nil {
			out.Body.Close()
			return Head{}, nil, PermanentError{URL: rawurl, Msg: err.Error()}
		}
		if start != want.Range.Start {
			out.Body.Close()
			return Head{}, nil, PermanentError{URL: rawurl, Msg: "server returned a different range than requested"}
		}
		got := rangeset.Range{Start: start, End: end}
		h.Ranges = &got
		h.ContentLength = end - start
		h.DocumentLength = total
	} else if out.ContentLength != nil {
		h.ContentLength = *out.ContentLength
		h.DocumentLength = *out.ContentLength
	}

	return h, newChunkedStream(out.Body, rawurl, a.chunkSize, defaultIdleTimeout), nil
}

// s3CRC32C prefers the SDK's own checksum field, and falls back to a
// provider-specific metadata key some gateways set. S3 reports the digest
// base64-encoded; either source is normalized to the lowercase-hex form
// the rest of the system compares, the same shape parseCRC32C produces
// from X-Goog-Hash.
func s3CRC32C(metadata map[string]string, checksum *string) string {
	if checksum != nil && *checksum != "" {
		return normalizeCRC32C(*checksum)
	}
	for _, k := range []string{"crc32c", "x-amz-meta-crc32c", "Crc32c"} {
		if v, ok := metadata[k]; ok && v != "" {
			return normalizeCRC32C(v)
		}
	}
	return ""
}

// normalizeCRC32C converts a crc32c digest to lowercase hex, accepting
// either the base64 form S3 serves or an already-hex value. Anything else
// is treated as absent rather than carried forward to a comparison it can
// never pass.
func normalizeCRC32C(v string) string {
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil && len(decoded) == 4 {
		return hex.EncodeToString(decoded)
	}
	if len(v) == 8 {
		if _, err := hex.DecodeString(v); err == nil {
			return strings.ToLower(v)
		}
	}
	return ""
}

func classifyS3Error(rawurl string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return NotFoundError{URL: rawurl}
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 404:
			return NotFoundError{URL: rawurl}
		case status == 416:
			return PermanentError{URL: rawurl, Status: status, Msg: "range outside object"}
		case status >= 500:
			return TransientError{URL: rawurl, Err: err}
		case status >= 400:
			return PermanentError{URL: rawurl, Status: status, Msg: err.Error()}
		}
	}
	return TransientError{URL: rawurl, Err: err}
}
