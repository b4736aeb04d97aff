package main

import (
	"fmt"
	"math/rand"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/dzik143/iomixer/internal/config"
	"github.com/dzik143/iomixer/std"
)

// dial connects to cfg.RemoteAddr; for a "host:minport-maxport" range it
// picks one port of the range at random.
func dial(cfg *config.Config, block kcp.BlockCrypt) (*kcp.UDPSession, error) {
	mp, err := std.ParseMultiPort(cfg.RemoteAddr)
	if err != nil {
		return nil, err
	}
	port := mp.MinPort + uint64(rand.Int63n(int64(mp.MaxPort-mp.MinPort+1)))
	remoteAddr := fmt.Sprintf("%v:%v", mp.Host, port)
	return kcp.DialWithOptions(remoteAddr, block, cfg.DataShard, cfg.ParityShard)
}
