// Package notify hands stored-object events to interested clients.
package notify

import (
	"context"
	"time"
)

// Notification describes an object that was just stored.
type Notification struct {
	DeviceID string    `json:"deviceId"`
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	IndexKey string    `json:"indexKey,omitempty"`
	Bytes    int64     `json:"bytes"`
	SHA256   string    `json:"sha256"`
	TS       time.Time `json:"ts"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
