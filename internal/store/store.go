package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Accessory records
	SaveAccessory(rec *AccessoryRecord) error
	GetAccessory(address string) (*AccessoryRecord, error)
	DeleteAccessory(address string) error
	ListAccessories() ([]*AccessoryRecord, error)

	// UpdateAccessory atomically reads, modifies, and saves a record in a
	// single transaction. Returns ErrNotFound if the record does not exist.
	UpdateAccessory(address string, fn func(rec *AccessoryRecord) error) error

	// Accessory state, JSON encoded values per accessory address and key
	SaveState(address, key string, value any) error
	GetState(address, key string, dst any) error

	// Close the store
	Close() error
}
