// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package miniostore implements the pipeline object stores over the S3 API.
package miniostore

import (
	"context"

	minio "github.com/minio/minio-go"
	"github.com/zeebo/errs"

	"udp.io/udp/pkg/project"
	"udp.io/udp/storage"
)

// Error is the error class for this package.
var Error = errs.Class("miniostore error")

// Config is the configuration for one bucket-scoped object store client.
type Config struct {
	Name      string `help:"objectstore name used in notifications" default:""`
	Endpoint  string `help:"object store endpoint host:port" default:""`
	AccessKey string `help:"object store access key" default:""`
	SecretKey string `help:"object store secret key" default:""`
	Bucket    string `help:"bucket name" default:""`
	UseSSL    bool   `help:"use tls when connecting to the object store" default:"true"`
}

// ConfigFromSection reads a store configuration from a cloud section. The
// section name doubles as the objectstore name in notifications.
func ConfigFromSection(section *project.Section) (Config, error) {
	if section == nil {
		return Config{}, Error.New("missing cloud section")
	}
	config := Config{
		Name:      section.Name,
		Endpoint:  section.Get("endpoint"),
		AccessKey: section.Get("access_key"),
		SecretKey: section.Get("secret_key"),
		Bucket:    section.Get("bucket"),
		UseSSL:    true,
	}
	if value := section.Get("use_ssl"); value != "" {
		config.UseSSL = section.GetBool("use_ssl")
	}
	if config.Endpoint == "" || config.Bucket == "" {
		return Config{}, Error.New("cloud:%s requires endpoint and bucket", section.Name)
	}
	return config, nil
}

// Store is a bucket-scoped minio client.
type Store struct {
	client *minio.Client
	bucket string
}

// Dial connects to the endpoint and ensures the bucket exists.
func Dial(config Config) (*Store, error) {
	client, err := minio.New(config.Endpoint, config.AccessKey, config.SecretKey, config.UseSSL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	exists, err := client.BucketExists(config.Bucket)
	if err != nil {
		return nil, Error.New("bucket lookup failed: %v", err)
	}
	if !exists {
		if err := client.MakeBucket(config.Bucket, ""); err != nil {
			return nil, Error.New("bucket create failed: %v", err)
		}
	}
	return &Store{client: client, bucket: config.Bucket}, nil
}

// Put uploads the file at path under key.
func (store *Store) Put(ctx context.Context, key, path string) error {
	_, err := store.client.FPutObjectWithContext(ctx, store.bucket, key, path,
		minio.PutObjectOptions{ContentType: "application/zip"})
	return Error.Wrap(err)
}

// Get downloads the object under key into the file at path.
func (store *Store) Get(ctx context.Context, key, path string) error {
	err := store.client.FGetObjectWithContext(ctx, store.bucket, key, path, minio.GetObjectOptions{})
	if err != nil {
		if response := minio.ToErrorResponse(err); response.Code == "NoSuchKey" {
			return storage.ErrObjectNotFound.New("%s", key)
		}
		return Error.Wrap(err)
	}
	return nil
}

// Delete removes the object under key.
func (store *Store) Delete(ctx context.Context, key string) error {
	return Error.Wrap(store.client.RemoveObject(store.bucket, key))
}

// Close releases the client.
func (store *Store) Close() error {
	return nil
}
