package commands

import (
	"fmt"

	"github.com/tvandijck/longtail/internal/logger"
	"github.com/tvandijck/longtail/pkg/blockstore"
	"github.com/tvandijck/longtail/pkg/blockstore/block"
	"github.com/tvandijck/longtail/pkg/blockstore/cachestore"
	blockstoreconfig "github.com/tvandijck/longtail/pkg/blockstore/config"
	"github.com/tvandijck/longtail/pkg/blockstore/fsstore"
	"github.com/tvandijck/longtail/pkg/blockstore/jobrunner"
	"github.com/tvandijck/longtail/pkg/blockstore/storage"
)

// openStore loads configuration and constructs the store tree it
// describes: a bare FSBlockStore, or a CacheBlockStore fronting one when
// cache.enabled is set.
func openStore() (blockstore.Store, *blockstoreconfig.Config, error) {
	cfg, err := blockstoreconfig.Load(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	remote, err := newFSStore(cfg.FS)
	if err != nil {
		return nil, nil, fmt.Errorf("open remote store: %w", err)
	}
	if !cfg.Cache.Enabled {
		return remote, cfg, nil
	}
	local, err := newFSStore(cfg.Cache.Local)
	if err != nil {
		return nil, nil, fmt.Errorf("open local cache store: %w", err)
	}
	return cachestore.New(local, remote), cfg, nil
}

func newFSStore(fsCfg blockstoreconfig.FSConfig) (*fsstore.Store, error) {
	provider, err := storage.NewFSProvider(storage.DefaultFSProviderConfig(fsCfg.StorePath))
	if err != nil {
		return nil, err
	}
	return fsstore.New(fsstore.Config{
		Provider:          provider,
		JobRunner:         jobrunner.NewRunner(fsCfg.ScanParallelism),
		HashIdentifier:    block.HashIdentifier(fsCfg.HashIdentifier),
		MaxBlockSize:      uint32(fsCfg.MaxBlockSize),
		MaxChunksPerBlock: fsCfg.MaxChunksPerBlock,
		Extension:         fsCfg.Extension,
	}), nil
}
