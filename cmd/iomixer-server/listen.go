package main

import (
	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/dzik143/iomixer/internal/config"
)

func listen(cfg *config.Config, block kcp.BlockCrypt) (*kcp.Listener, error) {
	return kcp.ListenWithOptions(cfg.Listen, block, cfg.DataShard, cfg.ParityShard)
}
