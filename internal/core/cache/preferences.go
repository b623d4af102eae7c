package cache

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Preferences is a small JSON object of user defaults kept next to the cache.
type Preferences struct {
	store *Store
}

func (s *Store) Preferences() *Preferences {
	return &Preferences{store: s}
}

// Get decodes the value for name into out and reports whether it was present.
func (p *Preferences) Get(ctx context.Context, name string, out any) (bool, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	values, err := p.load(ctx)
	if err != nil {
		return false, err
	}
	raw, ok := values[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Wrapf(err, "decode preference %q", name)
	}
	return true, nil
}

// Set stores value under name. A nil value removes it.
func (p *Preferences) Set(ctx context.Context, name string, value any) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	values, err := p.load(ctx)
	if err != nil {
		values = make(map[string]json.RawMessage)
	}
	if value == nil {
		delete(values, name)
	} else {
		raw, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "encode preference %q", name)
		}
		values[name] = raw
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return p.store.backend.Put(ctx, string(KeyPreferences), data)
}

func (p *Preferences) load(ctx context.Context) (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	data, err := p.store.backend.Get(ctx, string(KeyPreferences))
	if errors.Is(err, ErrNotFound) {
		return values, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return values, nil
}
