package dispatch

import (
	"context"

	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
)

const subscriptionBuffer = 8

// Start initializes the adapter for the current configuration, starts the
// state manager's background loops and begins following configuration
// changes. Calling it again is a no-op.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		events, unsubscribe := d.store.Subscribe(subscriptionBuffer)
		d.applyConfig(d.store.GetCurrent())
		d.state.Start()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer unsubscribe()

			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					d.logger.Debug("Configuration changed", "reason", ev.Reason, "version", ev.New.Version)
					d.applyConfig(ev.New)
				case <-d.stop:
					return
				}
			}
		}()
	})
}

// Close stops background work and releases every adapter. In-flight
// requests are cancelled through their timeout handles.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.wg.Wait()
		d.state.Stop()
		d.timeouts.Close()
		for _, a := range d.adapters {
			a.Cleanup()
		}
	})
}

// applyConfig re-initializes the adapter for cfg. Events can arrive out of
// order, so versions at or below the last applied one are skipped.
// Failures are recorded on the service status and never propagated.
func (d *Dispatcher) applyConfig(cfg *config.TTSConfiguration) {
	if cfg == nil {
		d.state.SetAvailability(false)
		return
	}
	old := d.applied
	if old != nil && cfg.Version <= old.Version {
		d.logger.Debug("Skipping stale configuration", "version", cfg.Version, "applied", old.Version)
		return
	}
	d.applied = cfg
	d.state.SetCurrentType(cfg.Type, cfg.Version)

	if old != nil && old.Type != cfg.Type {
		if prev, ok := d.adapters[old.Type]; ok {
			prev.Cleanup()
		}
	}

	a, ok := d.adapters[cfg.Type]
	if !ok {
		d.state.SetAvailability(false)
		d.state.SetError(ttypes.NewTTSError(ttypes.ErrorCodeConfigurationError, source,
			"no adapter registered for type "+string(cfg.Type), nil))
		return
	}
	if !a.Initialize(cfg.ActiveSettings()) {
		d.state.SetAvailability(false)
		err := a.LastError()
		if err == nil {
			err = ttypes.NewTTSError(ttypes.ErrorCodeInitializationFailed, source, "adapter initialization failed", nil)
		}
		d.state.SetError(err)
		d.logger.Error("Adapter re-initialization failed", "type", cfg.Type, "err", err)
		return
	}
	d.state.SetAvailability(a.IsAvailable())
	d.state.SetError(nil)
	d.logger.Info("Adapter ready", "type", cfg.Type, "version", cfg.Version)
}

func (d *Dispatcher) setCurrent(id string, cancel context.CancelFunc) {
	d.currentMu.Lock()
	d.current = &currentRequest{id: id, cancel: cancel}
	d.currentMu.Unlock()
}

func (d *Dispatcher) clearCurrent(id string) {
	d.currentMu.Lock()
	if d.current != nil && d.current.id == id {
		d.current = nil
	}
	d.currentMu.Unlock()
}

// CurrentRequestID returns the id of the most recently started request
// that is still running, or "".
func (d *Dispatcher) CurrentRequestID() string {
	d.currentMu.Lock()
	defer d.currentMu.Unlock()
	if d.current == nil {
		return ""
	}
	return d.current.id
}

// CancelCurrentRequest cancels the most recently started request only.
// It reports whether there was one to cancel.
func (d *Dispatcher) CancelCurrentRequest() bool {
	d.currentMu.Lock()
	cur := d.current
	d.current = nil
	d.currentMu.Unlock()

	if cur == nil {
		return false
	}
	cur.cancel()
	d.logger.Info("Cancelled current request", "id", cur.id)
	return true
}

// Reset cancels the current request and clears the recorded error.
func (d *Dispatcher) Reset() {
	d.CancelCurrentRequest()
	d.state.SetError(nil)
}

// IsProcessing reports whether any request is in flight.
func (d *Dispatcher) IsProcessing() bool {
	return d.state.ActiveCount() > 0
}

// GetServiceStatus returns a status snapshot.
func (d *Dispatcher) GetServiceStatus() ttypes.ServiceStatus {
	return d.state.Status()
}

// GetActiveRequests returns copies of the in-flight requests.
func (d *Dispatcher) GetActiveRequests() []ttypes.ActiveRequestInfo {
	return d.state.GetActiveRequests()
}

// GetPerformanceMetrics returns metrics over the state manager's window.
func (d *Dispatcher) GetPerformanceMetrics() ttypes.PerformanceMetrics {
	return d.state.GetPerformanceMetrics()
}

// PerformHealthCheck runs the aggregate health check and records it.
func (d *Dispatcher) PerformHealthCheck() ttypes.HealthCheckResult {
	return d.state.RunHealthCheck()
}

// AdapterHealth probes the adapter selected by the current configuration.
func (d *Dispatcher) AdapterHealth() ttypes.HealthStatus {
	cfg := d.store.GetCurrent()
	if cfg == nil {
		return ttypes.HealthStatus{Message: "no configuration"}
	}
	a, ok := d.adapters[cfg.Type]
	if !ok {
		return ttypes.HealthStatus{Message: "no adapter for " + string(cfg.Type)}
	}
	return a.GetHealthStatus()
}

// ResourceUsage reports process resource usage.
func (d *Dispatcher) ResourceUsage() ttypes.ResourceUsage {
	return d.state.ResourceUsage()
}

// ResetStatistics clears counters and history.
func (d *Dispatcher) ResetStatistics() {
	d.state.ResetStatistics()
}

// UpdateConfiguration validates and installs cfg. Adapter re-initialization
// follows asynchronously once Start has been called.
func (d *Dispatcher) UpdateConfiguration(cfg *config.TTSConfiguration, reason string) bool {
	return d.store.Update(cfg, reason)
}

// GetConfiguration returns a copy of the active configuration.
func (d *Dispatcher) GetConfiguration() *config.TTSConfiguration {
	return d.store.GetCurrent()
}
