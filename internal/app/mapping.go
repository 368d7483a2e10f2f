package app

import (
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/config"
	"beacon/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./data/beacon.db"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (broadcast.DispatcherConfig, error) {
	d := cfg.Dispatcher

	tick, err := config.ParseDurationOrDefault("dispatcher.tick", d.Tick, time.Second)
	if err != nil {
		return broadcast.DispatcherConfig{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("dispatcher.retry_base", d.RetryBase, 30*time.Second)
	if err != nil {
		return broadcast.DispatcherConfig{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("dispatcher.retry_max_delay", d.RetryMaxDelay, 15*time.Minute)
	if err != nil {
		return broadcast.DispatcherConfig{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatcher.send_timeout", d.SendTimeout, 10*time.Second)
	if err != nil {
		return broadcast.DispatcherConfig{}, err
	}
	claimLease, err := config.ParseDurationOrDefault("dispatcher.claim_lease", d.ClaimLease, 2*time.Minute)
	if err != nil {
		return broadcast.DispatcherConfig{}, err
	}

	return broadcast.DispatcherConfig{
		Workers:       d.Workers,
		Tick:          tick,
		QueueSize:     d.QueueSize,
		MaxRetries:    d.MaxRetries,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
		SendTimeout:   sendTimeout,
		RatePerSec:    d.RatePerSec,
		ClaimLease:    claimLease,
	}, nil
}
