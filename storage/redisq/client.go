// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redisq implements the pipeline notification queues on redis lists.
package redisq

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/go-redis/redis"
	uuid "github.com/satori/go.uuid"
	"github.com/zeebo/errs"

	"udp.io/udp/pkg/project"
	"udp.io/udp/storage"
)

// Error is the error class for this package.
var Error = errs.Class("redisq error")

// Queue is a FIFO notification queue on a redis list. A received message is
// parked on a companion processing list until deleted, so a consumer that
// aborts leaves the message eligible for redelivery on the next connect.
type Queue struct {
	db   *redis.Client
	name string
}

// NewQueue returns a configured queue client, verifying a successful
// connection to redis. Messages parked by an aborted consumer are placed
// back on the queue.
func NewQueue(address, password string, db int, name string) (*Queue, error) {
	queue := &Queue{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
		name: name,
	}

	if err := queue.db.Ping().Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	if err := queue.reclaim(); err != nil {
		return nil, err
	}
	return queue, nil
}

// FromSection connects the notification queue named in a cloud section: a
// redis address under "queue" and an optional list name under "queue_name",
// defaulting to the section name.
func FromSection(section *project.Section) (*Queue, error) {
	if section == nil {
		return nil, Error.New("missing cloud section")
	}
	address := section.Get("queue")
	if address == "" {
		return nil, Error.New("cloud:%s has no queue address", section.Name)
	}
	return NewQueueFrom(address, section.GetDefault("queue_name", section.Name))
}

// NewQueueFrom returns a configured queue client from a redis address of the
// form redis://[:password@]host:port[?db=n].
func NewQueueFrom(address, name string) (*Queue, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if u.Scheme != "redis" {
		return nil, Error.New("unsupported scheme %q", u.Scheme)
	}

	db := 0
	if q := u.Query().Get("db"); q != "" {
		db, err = strconv.Atoi(q)
		if err != nil {
			return nil, Error.New("invalid db: %v", err)
		}
	}
	password, _ := u.User.Password()
	return NewQueue(u.Host, password, db, name)
}

func (queue *Queue) processing() string {
	return queue.name + ":processing"
}

// reclaim moves messages left on the processing list back onto the queue.
// Relative order is not preserved; consumers do not rely on queue order.
func (queue *Queue) reclaim() error {
	for {
		err := queue.db.RPopLPush(queue.processing(), queue.name).Err()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return Error.New("reclaim error: %v", err)
		}
	}
}

// Put appends a notification to the queue, assigning a message id when the
// notification has none.
func (queue *Queue) Put(ctx context.Context, notification storage.Notification) error {
	if notification.MessageID == "" {
		notification.MessageID = uuid.NewV4().String()
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := queue.db.LPush(queue.name, payload).Err(); err != nil {
		return Error.New("enqueue error: %v", err)
	}
	return nil
}

// Receive takes the next notification off the queue and parks it on the
// processing list until Delete.
func (queue *Queue) Receive(ctx context.Context) (storage.Notification, error) {
	out, err := queue.db.RPopLPush(queue.name, queue.processing()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return storage.Notification{}, storage.ErrEmptyQueue.New("")
		}
		return storage.Notification{}, Error.New("receive error: %v", err)
	}

	var notification storage.Notification
	if err := json.Unmarshal(out, &notification); err != nil {
		return storage.Notification{}, Error.New("malformed notification: %v", err)
	}
	return notification, nil
}

// Delete acknowledges a received notification, removing it from the
// processing list.
func (queue *Queue) Delete(ctx context.Context, notification storage.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := queue.db.LRem(queue.processing(), 1, payload).Err(); err != nil {
		return Error.New("delete error: %v", err)
	}
	return nil
}

// Close closes the redis client.
func (queue *Queue) Close() error {
	return Error.Wrap(queue.db.Close())
}
