// Package registry owns the list of button definitions persisted in the
// shared store. It is the only writer of the "buttons" key.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"anybutton/internal/button"
	"anybutton/internal/store"
)

// Key is the store key holding the JSON array of buttons.
const Key = "buttons"

var (
	// ErrNotArray is returned when an import payload is not a JSON array.
	ErrNotArray = errors.New("import payload must be a JSON array")
	// ErrInvalidButton wraps validation failures on insert and import.
	ErrInvalidButton = errors.New("invalid button")
	// ErrNotFound is returned by Get and Delete for unknown names.
	ErrNotFound = errors.New("button not found")
)

// Registry is a store-backed list of buttons. Writes within one process are
// serialized; writers in separate processes are not coordinated.
type Registry struct {
	mu    sync.Mutex
	store store.Store
}

func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// List returns every button in stored order. A missing key is an empty list.
func (r *Registry) List(ctx context.Context) ([]button.Button, error) {
	raw, ok, err := r.store.Get(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", Key, err)
	}
	if !ok || len(raw) == 0 {
		return []button.Button{}, nil
	}
	var buttons []button.Button
	if err := json.Unmarshal(raw, &buttons); err != nil {
		return nil, fmt.Errorf("decode %s: %w", Key, err)
	}
	for i := range buttons {
		buttons[i] = buttons[i].Normalized()
	}
	return buttons, nil
}

func (r *Registry) Get(ctx context.Context, name string) (button.Button, error) {
	buttons, err := r.List(ctx)
	if err != nil {
		return button.Button{}, err
	}
	for _, b := range buttons {
		if b.Name == name {
			return b, nil
		}
	}
	return button.Button{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Insert stores b. With replace, any record named b.Name is removed first.
// Without it a taken name gets the first free "(n)" suffix. The stored button
// (with its final name) is returned.
func (r *Registry) Insert(ctx context.Context, b button.Button, replace bool) (button.Button, error) {
	if err := b.Validate(); err != nil {
		return button.Button{}, fmt.Errorf("%w: %v", ErrInvalidButton, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buttons, err := r.List(ctx)
	if err != nil {
		return button.Button{}, err
	}
	buttons, b = insert(buttons, b.Normalized(), replace)
	if err := r.save(ctx, buttons); err != nil {
		return button.Button{}, err
	}
	return b, nil
}

func insert(buttons []button.Button, b button.Button, replace bool) ([]button.Button, button.Button) {
	if replace {
		kept := buttons[:0]
		for _, existing := range buttons {
			if existing.Name != b.Name {
				kept = append(kept, existing)
			}
		}
		return append(kept, b), b
	}

	taken := make(map[string]bool, len(buttons))
	for _, existing := range buttons {
		taken[existing.Name] = true
	}
	base := b.Name
	for n := 1; taken[b.Name]; n++ {
		b.Name = fmt.Sprintf("%s(%d)", base, n)
	}
	return append(buttons, b), b
}

// Delete removes the record named name.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buttons, err := r.List(ctx)
	if err != nil {
		return err
	}
	kept := buttons[:0]
	for _, b := range buttons {
		if b.Name != name {
			kept = append(kept, b)
		}
	}
	if len(kept) == len(buttons) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r.save(ctx, kept)
}

// Import decodes a JSON array of buttons and replace-inserts each one in
// order. Every element is decoded and validated before anything is written,
// so a rejected payload leaves the registry unchanged.
func (r *Registry) Import(ctx context.Context, data []byte) ([]button.Button, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil || elems == nil {
		return nil, ErrNotArray
	}

	incoming := make([]button.Button, 0, len(elems))
	for i, raw := range elems {
		var b button.Button
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidButton, i, err)
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidButton, i, err)
		}
		incoming = append(incoming, b.Normalized())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buttons, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range incoming {
		buttons, _ = insert(buttons, b, true)
	}
	if err := r.save(ctx, buttons); err != nil {
		return nil, err
	}
	return incoming, nil
}

// Export renders the registry as an indented JSON array ("[]" when empty).
func (r *Registry) Export(ctx context.Context) ([]byte, error) {
	buttons, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(buttons, "", "  ")
}

func (r *Registry) save(ctx context.Context, buttons []button.Button) error {
	raw, err := json.Marshal(buttons)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, Key, raw); err != nil {
		return fmt.Errorf("write %s: %w", Key, err)
	}
	return nil
}
