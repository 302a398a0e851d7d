// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"sync"
	"time"
)

// GlobalTopic subscribes to updates for every owner.
const GlobalTopic = "global"

const defaultSubscriberBuffer = 64

// Update is a state delta broadcast to subscribers after every durable
// change to a request.
type Update struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Request   *ServiceRequest `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// UpdateTypeService is the Type of request state deltas.
const UpdateTypeService = "service_update"

// Hub fans out request updates to subscribers. Delivery is best-effort:
// if a subscriber's buffer is full the update is dropped for that
// subscriber, and pull snapshots remain the correctness backstop.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	bufSize int
	closed  bool
}

type subscriber struct {
	topic string
	ch    chan *Update
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		bufSize: defaultSubscriberBuffer,
	}
}

// Subscribe returns a channel of updates for the given topic and a cancel
// function. The topic is an owner identifier, or GlobalTopic for all
// updates. The channel is closed on cancel or when the hub shuts down.
func (h *Hub) Subscribe(topic string) (<-chan *Update, func()) {
	sub := &subscriber{
		topic: topic,
		ch:    make(chan *Update, h.bufSize),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, found := h.subs[sub]; found {
				delete(h.subs, sub)
				close(sub.ch)
			}
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish broadcasts the update to all matching subscribers without
// blocking. Subscribers that cannot keep up miss the update.
func (h *Hub) Publish(u *Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		if sub.topic != GlobalTopic && sub.topic != u.Topic {
			continue
		}
		select {
		case sub.ch <- u:
		default:
			// Slow subscriber, drop the update.
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

func newServiceUpdate(req *ServiceRequest, now time.Time) *Update {
	return &Update{
		Type:      UpdateTypeService,
		Topic:     req.Owner,
		Request:   req.Clone(),
		Timestamp: now.Unix(),
	}
}
