// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements in-memory object stores and notification
// queues for tests.
package teststore

import (
	"context"
	"fmt"
	"io/ioutil"
	"sort"
	"sync"

	"udp.io/udp/storage"
)

// Store implements an in-memory object store.
type Store struct {
	mu      sync.Mutex
	Objects map[string][]byte

	PutError error
	GetError error

	CallCount struct {
		Put    int
		Get    int
		Delete int
		Close  int
	}
}

// NewStore creates an empty in-memory object store.
func NewStore() *Store {
	return &Store{Objects: map[string][]byte{}}
}

// Put stores the contents of the file at path under key.
func (store *Store) Put(ctx context.Context, key, path string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++
	if store.PutError != nil {
		return store.PutError
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	store.Objects[key] = data
	return nil
}

// Get writes the object under key into the file at path.
func (store *Store) Get(ctx context.Context, key, path string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++
	if store.GetError != nil {
		return store.GetError
	}

	data, ok := store.Objects[key]
	if !ok {
		return storage.ErrObjectNotFound.New("%s", key)
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Delete removes the object under key.
func (store *Store) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++
	delete(store.Objects, key)
	return nil
}

// Close does nothing.
func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Close++
	return nil
}

// Keys returns the stored keys in sorted order.
func (store *Store) Keys() []string {
	store.mu.Lock()
	defer store.mu.Unlock()

	keys := make([]string, 0, len(store.Objects))
	for key := range store.Objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Queue implements an in-memory at-least-once notification queue.
type Queue struct {
	mu      sync.Mutex
	Pending []storage.Notification
	Parked  map[string]storage.Notification

	PutError error

	next int
}

// NewQueue creates an empty in-memory queue.
func NewQueue() *Queue {
	return &Queue{Parked: map[string]storage.Notification{}}
}

// Put appends a notification, assigning a message id when it has none.
func (queue *Queue) Put(ctx context.Context, notification storage.Notification) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.PutError != nil {
		return queue.PutError
	}

	if notification.MessageID == "" {
		queue.next++
		notification.MessageID = fmt.Sprintf("message-%d", queue.next)
	}
	queue.Pending = append(queue.Pending, notification)
	return nil
}

// Receive takes the next notification off the queue and parks it until Delete.
func (queue *Queue) Receive(ctx context.Context) (storage.Notification, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if len(queue.Pending) == 0 {
		return storage.Notification{}, storage.ErrEmptyQueue.New("")
	}
	notification := queue.Pending[0]
	queue.Pending = queue.Pending[1:]
	queue.Parked[notification.MessageID] = notification
	return notification, nil
}

// Delete acknowledges a received notification.
func (queue *Queue) Delete(ctx context.Context, notification storage.Notification) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	delete(queue.Parked, notification.MessageID)
	return nil
}

// Requeue places every parked notification back on the queue, simulating
// redelivery after a consumer abort.
func (queue *Queue) Requeue() {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	ids := make([]string, 0, len(queue.Parked))
	for id := range queue.Parked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		queue.Pending = append(queue.Pending, queue.Parked[id])
		delete(queue.Parked, id)
	}
}

// Close does nothing.
func (queue *Queue) Close() error { return nil }
