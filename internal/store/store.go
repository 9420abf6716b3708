// Package store defines the real-time signaling store boundary: a keyed
// record space with per-key subscriptions plus append-only child lists.
// Watch delivery is at-least-once; subscribers own idempotency.
package store

import "context"

// UnsubscribeFunc cancels a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is the abstract real-time data store the signaling layer runs on.
//
// Implementations must deliver every Watch snapshot at least once, preserve
// append order within a child list, and make Delete idempotent. No ordering
// guarantee exists between record snapshots and child-list deliveries.
type Store interface {
	// Get returns the record at key, or nil if none exists
	Get(ctx context.Context, key string) (map[string]any, error)

	// Set replaces the record at key
	Set(ctx context.Context, key string, value map[string]any) error

	// Update writes only the given fields of the record at key
	Update(ctx context.Context, key string, fields map[string]any) error

	// Append adds value to the end of the list at listKey
	Append(ctx context.Context, listKey string, value map[string]any) error

	// Delete removes the record or list at key; deleting a missing key is
	// not an error
	Delete(ctx context.Context, key string) error

	// Watch subscribes to record changes at key. The current snapshot, if
	// one exists, is delivered first. Redundant deliveries are permitted.
	Watch(ctx context.Context, key string, fn func(snapshot map[string]any)) (UnsubscribeFunc, error)

	// WatchChildren subscribes to list appends at listKey. Existing children
	// are replayed in order before new ones are delivered; each child is
	// delivered exactly once per subscription.
	WatchChildren(ctx context.Context, listKey string, fn func(child map[string]any)) (UnsubscribeFunc, error)
}
