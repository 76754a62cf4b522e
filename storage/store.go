// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package storage defines the object store and notification queue interfaces
// connecting the pipeline daemons.
package storage

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the default storage error class.
	Error = errs.Class("storage error")
	// ErrEmptyQueue is returned when attempting to receive from an empty queue.
	ErrEmptyQueue = errs.Class("empty queue")
	// ErrObjectNotFound is returned when the requested object key does not exist.
	ErrObjectNotFound = errs.Class("object not found")
)

// ObjectStore is a bucket-scoped blob store holding capture bundles.
type ObjectStore interface {
	// Put uploads the file at path under key.
	Put(ctx context.Context, key, path string) error
	// Get downloads the object under key into the file at path.
	Get(ctx context.Context, key, path string) error
	// Delete removes the object under key.
	Delete(ctx context.Context, key string) error
	// Close releases the client.
	Close() error
}

// Notification is one queue message referencing an uploaded object.
type Notification struct {
	ObjectstoreName string `json:"objectstore_name"`
	ObjectKey       string `json:"object_key"`
	MessageID       string `json:"message_id"`
}

// Queue is an at-least-once notification queue. A received message stays
// parked until deleted; messages received but never deleted are redelivered
// to a later consumer.
type Queue interface {
	// Put appends a notification to the queue, assigning a message id
	// when the notification has none.
	Put(ctx context.Context, notification Notification) error
	// Receive takes the next notification off the queue and parks it until
	// Delete. It returns ErrEmptyQueue when no message is available.
	Receive(ctx context.Context) (Notification, error)
	// Delete acknowledges a received notification.
	Delete(ctx context.Context, notification Notification) error
	// Close releases the client.
	Close() error
}
