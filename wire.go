package main

import (
	"fmt"

	"github.com/dgnsrekt/ttsdispatch/internal/adapter"
	"github.com/dgnsrekt/ttsdispatch/internal/backends"
	"github.com/dgnsrekt/ttsdispatch/internal/cache"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/dgnsrekt/ttsdispatch/internal/dispatch"
	"github.com/dgnsrekt/ttsdispatch/internal/retry"
	"github.com/dgnsrekt/ttsdispatch/internal/state"
)

const megabyte = 1024 * 1024

// stack is a fully wired dispatcher with the pieces callers need to reach.
type stack struct {
	store      *config.Store
	state      *state.Manager
	cache      *cache.Manager
	dispatcher *dispatch.Dispatcher
}

func openStore(s settings) (*config.Store, error) {
	store, err := config.NewStore(s.DispatchConfig,
		config.WithValidator(adapter.BackendValidator(backends.Default)))
	if err != nil {
		return nil, fmt.Errorf("unable to open dispatch configuration: %w", err)
	}
	return store, nil
}

func newStack(s settings, opts ...dispatch.Option) (*stack, error) {
	store, err := openStore(s)
	if err != nil {
		return nil, err
	}

	st := &stack{
		store: store,
		state: state.NewManager(state.Options{
			HealthInterval:  s.HealthInterval,
			CleanupInterval: s.CleanupInterval,
			MemoryLimit:     uint64(s.MemoryLimitMB) * megabyte, //nolint:gosec
		}),
	}

	if !s.CacheDisabled {
		cfg := cache.DefaultConfig()
		cfg.MemoryCapacity = int64(s.CacheMemoryMB) * megabyte
		cfg.DiskCapacity = int64(s.CacheDiskMB) * megabyte
		if s.CacheDiskMB > 0 {
			cfg.Dir = s.CacheDir
		}
		c, err := cache.NewManager(cfg)
		if err != nil {
			return nil, err
		}
		st.cache = c
	}

	all := []dispatch.Option{
		dispatch.WithAdapter(adapter.NewExternal()),
		dispatch.WithAdapter(adapter.NewBuiltIn(nil)),
		dispatch.WithStrategy(retry.ForName(s.Strategy)),
		dispatch.WithStateManager(st.state),
	}
	if st.cache != nil {
		all = append(all, dispatch.WithCache(st.cache))
	}
	st.dispatcher = dispatch.New(store, append(all, opts...)...)
	return st, nil
}

// Close stops the dispatcher and flushes the cache index.
func (st *stack) Close() error {
	st.dispatcher.Close()
	if st.cache == nil {
		return nil
	}
	return st.cache.Close()
}
