package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Collection is one REST collection of the gateway.
type Collection[T any] struct {
	client *Client
	name   string
}

func (c *Collection[T]) Name() string { return c.name }

// List returns every entity of the collection.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	var out []T
	if err := c.client.do(ctx, http.MethodGet, "/"+c.name, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list %s: %w", c.name, err)
	}
	return out, nil
}

// Find returns the entities whose field equals value.
func (c *Collection[T]) Find(ctx context.Context, field, value string) ([]T, error) {
	var out []T
	q := url.Values{field: []string{value}}
	if err := c.client.do(ctx, http.MethodGet, "/"+c.name, q, nil, &out); err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", c.name, field, err)
	}
	return out, nil
}

func (c *Collection[T]) Get(ctx context.Context, id int64) (T, error) {
	var out T
	if err := c.client.do(ctx, http.MethodGet, c.itemPath(id), nil, nil, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("get %s %d: %w", c.name, id, err)
	}
	return out, nil
}

// Create posts body and returns the entity with its server-assigned id.
func (c *Collection[T]) Create(ctx context.Context, body any) (T, error) {
	var out T
	if err := c.client.do(ctx, http.MethodPost, "/"+c.name, nil, body, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("create %s: %w", c.name, err)
	}
	return out, nil
}

// Patch applies a partial update and returns the full representation.
func (c *Collection[T]) Patch(ctx context.Context, id int64, fields any) (T, error) {
	var out T
	if err := c.client.do(ctx, http.MethodPatch, c.itemPath(id), nil, fields, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("patch %s %d: %w", c.name, id, err)
	}
	return out, nil
}

func (c *Collection[T]) Delete(ctx context.Context, id int64) error {
	if err := c.client.do(ctx, http.MethodDelete, c.itemPath(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete %s %d: %w", c.name, id, err)
	}
	return nil
}

func (c *Collection[T]) itemPath(id int64) string {
	return "/" + c.name + "/" + strconv.FormatInt(id, 10)
}
