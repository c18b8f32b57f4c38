// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package queue defines the at-least-once transport that carries "step ready"
// messages between the orchestrator and its workers.
//
// A dequeued message is leased: it stays invisible to other consumers until the
// lease expires or the delivery is acknowledged. A delivery that is never
// acknowledged becomes visible again, so every consumer must tolerate
// duplicates.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Dequeue when no message is visible.
	ErrEmpty = errors.New("queue is empty")

	// ErrLeaseLost is returned by Ack when the lease expired and the message
	// was handed to another consumer.
	ErrLeaseLost = errors.New("message lease lost")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("queue transport is closed")
)

//go:generate go run ../cmd/musgen

// Message tells a worker that a pipeline step is ready to run.
type Message struct {
	Index       string
	DocumentID  string
	ExecutionID string
	Step        string
	Attempt     int
}

// Delivery is a leased message.
type Delivery struct {
	Queue   string
	Message Message
	// Receipt identifies this lease; it changes on every redelivery.
	Receipt string
	// Deliveries counts how many times the message has been handed out.
	Deliveries int
}

// Transport is an at-least-once message queue with visibility leases.
type Transport interface {
	// Enqueue adds a message that becomes visible after delay.
	Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) error

	// Dequeue leases the oldest visible message of queue.
	// Returns ErrEmpty when nothing is visible.
	Dequeue(ctx context.Context, queue string, lease time.Duration) (*Delivery, error)

	// Ack removes a leased message.
	Ack(ctx context.Context, delivery *Delivery) error

	// Close releases resources held by the transport.
	Close() error
}

// Encode serializes a message with its binary codec.
func Encode(msg Message) []byte {
	buf := make([]byte, MessageMUS.Size(msg))
	MessageMUS.Marshal(msg, buf)
	return buf
}

// Decode deserializes a message produced by Encode.
func Decode(data []byte) (Message, error) {
	msg, _, err := MessageMUS.Unmarshal(data)
	return msg, err
}
