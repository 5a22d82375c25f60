// Copyright (C) 2026 wback authors

// Package s3 implements the store backend against an S3-compatible
// object store using aws api v1. Backing objects are small and
// immutable-ish, so sub-object writes are realized as read-modify-
// write of the whole object.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/sys/unix"

	"github.com/blockwb/wback/image"
)

// Implementation of store.Backend using an S3 bucket. Parameters of
// the http connection are tuned for object stores in the AWS
// environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
}

// Options to use in New() due to the high number of parameters. There
// is a lower chance of an ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added http2
// support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			DualStack: true,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket

	// Recommended by AWS for usage in their network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, errors.Wrap(err, "s3 session")
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Backing objects are small, multipart transfers do not help.
	s.uploader.Concurrency = 1
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()

	return s, err
}

// Write realizes a sub-object write as read-modify-write. A write of
// the whole object from offset zero skips the read.
func (s *S3) Write(oid string, off uint64, data []byte, snapc image.SnapContext) (int, error) {
	object := data

	size, err := s.objectSize(oid)
	if err != nil && errCode(err) != -int(unix.ENOENT) {
		return 0, err
	}
	if need := off + uint64(len(data)); err == nil && (off != 0 || need < uint64(size)) {
		if uint64(size) > need {
			need = uint64(size)
		}
		object = make([]byte, need)
		if _, err := s.ReadAt(oid, object[:size], 0, 0); err != nil {
			return 0, err
		}
		copy(object[off:], data)
	} else if off != 0 {
		object = make([]byte, need)
		copy(object[off:], data)
	}

	_, err = s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
		Body:   bytes.NewReader(object),
	})
	if err != nil {
		return 0, wrapAWS(err, "upload %s", oid)
	}

	return len(data), nil
}

// ReadAt function implemented through a ranged download. Read flags
// have no meaning on S3 and are ignored.
func (s *S3) ReadAt(oid string, dst []byte, off uint64, flags int) (int, error) {
	to := off + uint64(len(dst)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", off, to)
	b := aws.NewWriteAtBuffer(dst)

	n, err := s.downloader.Download(b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
		Range:  &rng,
	})
	if err != nil {
		return 0, wrapAWS(err, "download %s", oid)
	}

	return int(n), nil
}

// Delete removes the object. Only used by administrative tooling, the
// I/O path never deletes.
func (s *S3) Delete(oid string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
	})

	return wrapAWS(err, "delete %s", oid)
}

// objectSize returns the size in bytes of the object, ENOENT-wrapped
// when it does not exist.
func (s *S3) objectSize(oid string) (int64, error) {
	head, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
	})
	if err != nil {
		return 0, wrapAWS(err, "head %s", oid)
	}

	return *head.ContentLength, nil
}

// Check whether the bucket exists and if not, create it and wait until
// it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return errors.Wrap(err, "bucket")
}

// wrapAWS translates missing-object AWS errors into unix.ENOENT so the
// store proxy can fold them into the completion result code.
func wrapAWS(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return errors.Wrapf(unix.ENOENT, format, args...)
		}
	}

	return errors.Wrapf(err, format, args...)
}

// errCode mirrors the proxy's result code folding for internal use.
func errCode(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}

	return -int(unix.EIO)
}
