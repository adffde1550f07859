package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nightjarhq/blobcache/protect"
)

// Slot names exposed by the registry, usable with Override.
const (
	SlotLocalMachine = "local_machine"
	SlotUserAccount  = "user_account"
	SlotSecure       = "secure"
	SlotInMemory     = "in_memory"
)

// Registry holds the process-wide named cache slots. Slots resolve lazily on
// first use; after Shutdown every resolution returns a sink that rejects all
// operations with ErrClosed.
type Registry struct {
	mu        sync.Mutex
	opts      []Option
	appName   string
	protector protect.Protector
	shutdown  bool
	slots     map[string]Cache
}

// NewRegistry returns an empty registry. Most callers use the package-level
// default registry through Initialize and the slot accessors.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]Cache)}
}

var defaultRegistry = NewRegistry()

// Initialize records the options applied to every slot the registry
// resolves. Call it once at startup, before the first slot access.
func (r *Registry) Initialize(opts ...Option) {
	cfg := applyOptions(opts)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = opts
	r.appName = cfg.appName
	if r.appName == "" {
		r.appName = "blobcache"
	}
}

// SetSecureProtector overrides the protector used by the secure slot. It has
// no effect once the slot has resolved.
func (r *Registry) SetSecureProtector(p protect.Protector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protector = p
}

// LocalMachine resolves the machine-local persistent slot.
func (r *Registry) LocalMachine() (Cache, error) {
	return r.resolve(SlotLocalMachine, func() (Cache, error) {
		path, err := r.slotPath(os.UserCacheDir, "blobs.db")
		if err != nil {
			return nil, err
		}
		return New(path, r.opts...)
	})
}

// UserAccount resolves the per-user persistent slot.
func (r *Registry) UserAccount() (Cache, error) {
	return r.resolve(SlotUserAccount, func() (Cache, error) {
		path, err := r.slotPath(os.UserConfigDir, "userblobs.db")
		if err != nil {
			return nil, err
		}
		return New(path, r.opts...)
	})
}

// Secure resolves the encrypted persistent slot. Without an explicit
// protector, payloads are sealed with a key derived from the application
// name and the local user.
func (r *Registry) Secure() (Cache, error) {
	return r.resolve(SlotSecure, func() (Cache, error) {
		path, err := r.slotPath(os.UserConfigDir, "secret.db")
		if err != nil {
			return nil, err
		}
		p := r.protector
		if p == nil {
			var err error
			p, err = protect.AESGCM(protect.DeriveKey(r.appName, localUser()))
			if err != nil {
				return nil, err
			}
		}
		return NewEncrypted(path, p, r.opts...)
	})
}

// InMemory resolves the non-persistent slot.
func (r *Registry) InMemory() (Cache, error) {
	return r.resolve(SlotInMemory, func() (Cache, error) {
		return NewInMemory(r.opts...), nil
	})
}

func (r *Registry) resolve(name string, build func() (Cache, error)) (Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return sinkCache{}, nil
	}
	if c, ok := r.slots[name]; ok {
		return c, nil
	}
	if r.appName == "" {
		r.appName = "blobcache"
	}
	c, err := build()
	if err != nil {
		return nil, err
	}
	r.slots[name] = c
	return c, nil
}

// slotPath builds <base>/<appName>/<file>, creating the directory.
func (r *Registry) slotPath(base func() (string, error), file string) (string, error) {
	dir, err := base()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, r.appName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, file), nil
}

func localUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "default"
}

// Override replaces a live slot with c (typically an in-memory cache in
// tests) and returns a restore function that puts the previous value back.
func (r *Registry) Override(name string, c Cache) (restore func()) {
	r.mu.Lock()
	prev, had := r.slots[name]
	r.slots[name] = c
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if had {
			r.slots[name] = prev
		} else {
			delete(r.slots, name)
		}
		r.mu.Unlock()
	}
}

// Shutdown flips the registry into its terminal state: subsequent slot
// resolutions return a rejecting sink, every live slot is disposed, and the
// call returns once every slot's shutdown signal has fired.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	live := make([]Cache, 0, len(r.slots))
	for _, c := range r.slots {
		live = append(live, c)
	}
	r.slots = make(map[string]Cache)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range live {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				return err
			}
			select {
			case <-c.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Package-level accessors for the default registry.

// Initialize configures the default registry.
func Initialize(opts ...Option) { defaultRegistry.Initialize(opts...) }

// LocalMachine resolves the default registry's machine-local slot.
func LocalMachine() (Cache, error) { return defaultRegistry.LocalMachine() }

// UserAccount resolves the default registry's per-user slot.
func UserAccount() (Cache, error) { return defaultRegistry.UserAccount() }

// Secure resolves the default registry's encrypted slot.
func Secure() (Cache, error) { return defaultRegistry.Secure() }

// InMemory resolves the default registry's in-memory slot.
func InMemory() (Cache, error) { return defaultRegistry.InMemory() }

// Shutdown disposes the default registry.
func Shutdown(ctx context.Context) error { return defaultRegistry.Shutdown(ctx) }

// sinkCache rejects every operation. Resolutions that race a shutdown land
// here instead of touching released resources.
type sinkCache struct{}

var _ Cache = sinkCache{}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (sinkCache) Insert(context.Context, string, []byte, ...WriteOption) error { return ErrClosed }
func (sinkCache) InsertMany(context.Context, map[string][]byte, ...WriteOption) error {
	return ErrClosed
}
func (sinkCache) InsertTyped(context.Context, string, string, []byte, ...WriteOption) error {
	return ErrClosed
}
func (sinkCache) Get(context.Context, string) ([]byte, error) { return nil, ErrClosed }
func (sinkCache) GetMany(context.Context, []string) (map[string][]byte, error) {
	return nil, ErrClosed
}
func (sinkCache) GetTyped(context.Context, string) (map[string][]byte, error) {
	return nil, ErrClosed
}
func (sinkCache) CreatedAt(context.Context, string) (*time.Time, error) { return nil, ErrClosed }
func (sinkCache) Keys(context.Context) ([]string, error)                { return nil, ErrClosed }
func (sinkCache) Invalidate(context.Context, string) error              { return ErrClosed }
func (sinkCache) InvalidateMany(context.Context, []string) error        { return ErrClosed }
func (sinkCache) InvalidateTyped(context.Context, string) error         { return ErrClosed }
func (sinkCache) InvalidateAll(context.Context) error                   { return ErrClosed }
func (sinkCache) Flush(context.Context) error                           { return ErrClosed }
func (sinkCache) Vacuum(context.Context) error                          { return ErrClosed }
func (sinkCache) Close(context.Context) error                           { return nil }
func (sinkCache) Done() <-chan struct{}                                 { return closedChan }
func (sinkCache) Serializer() *Serializer                               { return newSerializer(nil) }
