package main

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/diskcache/pkg/config"
	"github.com/KevoDB/diskcache/pkg/diskcache"
)

// regionSet holds the open regions of the process.
type regionSet struct {
	mu     sync.RWMutex
	caches map[string]*diskcache.Cache
}

// openRegions opens every configured region in parallel. If any region fails
// the ones already open are disposed.
func openRegions(cfgs []config.RegionConfig, opts ...diskcache.Option) (*regionSet, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("no regions configured")
	}

	set := &regionSet{caches: make(map[string]*diskcache.Cache, len(cfgs))}
	var g errgroup.Group
	for i := range cfgs {
		cfg := &cfgs[i]
		g.Go(func() error {
			c, err := diskcache.New(cfg, opts...)
			if err != nil {
				return fmt.Errorf("region %q: %w", cfg.Name, err)
			}
			set.mu.Lock()
			set.caches[cfg.Name] = c
			set.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		set.DisposeAll()
		return nil, err
	}
	return set, nil
}

// Get returns the region called name.
func (r *regionSet) Get(name string) (*diskcache.Cache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[name]
	return c, ok
}

// Names returns the region names in lexical order.
func (r *regionSet) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Alive reports whether every region is alive.
func (r *regionSet) Alive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.caches {
		if !c.Alive() {
			return false
		}
	}
	return true
}

// DisposeAll disposes every region concurrently, so the slowest region bounds
// the total time rather than the sum of them.
func (r *regionSet) DisposeAll() error {
	r.mu.RLock()
	caches := make([]*diskcache.Cache, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.RUnlock()

	errs := make([]error, len(caches))
	var g errgroup.Group
	for i, c := range caches {
		g.Go(func() error {
			if err := c.Dispose(); err != nil {
				errs[i] = fmt.Errorf("region %q: %w", c.Name(), err)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
