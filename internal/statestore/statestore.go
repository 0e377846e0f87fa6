// Package statestore holds ephemeral coordination state: vendor
// conversations, aggregation batches and intake history. Nothing here is
// authoritative; losing it only costs UX.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("statestore: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix. Order is unspecified.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON decodes the value at key into dest. It reports found=false
// instead of an error when the key is missing.
func GetJSON(ctx context.Context, s Store, key string, dest any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data, ttl)
}

// Key helpers keep the namespaces in one place.
func ConversationKey(vendorPhone string) string { return "conv:" + vendorPhone }
func BatchKey(requestID string) string          { return "batch:" + requestID }
func HistoryKey(customerPhone string) string    { return "hist:" + customerPhone }

const BatchPrefix = "batch:"
