// Package mongo wires the memory.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/ensemble/features/memory/mongo/clients/mongo"
	"goa.design/ensemble/runtime/memory"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements memory.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed memory store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Put stores or replaces the entry.
func (s *Store) Put(ctx context.Context, e *memory.Entry) error {
	return s.client.Put(ctx, e)
}

// Search returns entries matching the query in descending relevance order.
func (s *Store) Search(ctx context.Context, q memory.Query) ([]*memory.Entry, error) {
	return s.client.Search(ctx, q)
}
