package main

import (
	"fmt"

	"github.com/knadh/tally/store"
	"github.com/knadh/tally/store/fs"
	"github.com/knadh/tally/store/mem"
	"github.com/knadh/tally/store/redis"
	"github.com/pkg/errors"
)

// makeStore creates the grant store selected by app.storage.
func (a *App) makeStore() (store.Store, error) {
	switch a.cfg.Storage {
	case "redis":
		var storeCfg redis.Config
		if err := ko.Unmarshal("store", &storeCfg); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling 'store' config")
		}
		return redis.New(storeCfg)

	case "memory", "":
		var storeCfg mem.Config
		if err := ko.Unmarshal("store", &storeCfg); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling 'store' config")
		}
		return mem.New(storeCfg)

	case "fs":
		var storeCfg fs.Config
		if err := ko.Unmarshal("store", &storeCfg); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling 'store' config")
		}
		return fs.New(storeCfg, a.log.With().Str("component", "store").Logger())
	}
	return nil, fmt.Errorf("app.storage must be one of redis|memory|fs, got %q", a.cfg.Storage)
}
