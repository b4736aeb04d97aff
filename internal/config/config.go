// Package config holds the flat, JSON-tagged configuration shared by
// cmd/iomixer-client and cmd/iomixer-server, generalizing the separate
// client.Config/server.Config structs of the original kcptun tool into one
// struct that covers both the KCP transport knobs and the iomixer-specific
// ones layered on top of it.
package config

import (
	"encoding/json"
	"os"
)

// Config is populated first from CLI flags, then optionally overridden by
// a JSON file passed via -c, mirroring the original tool's layering.
type Config struct {
	LocalAddr  string `json:"localaddr"`
	RemoteAddr string `json:"remoteaddr"`
	Listen     string `json:"listen"`
	Target     string `json:"target"`

	Key   string `json:"key" env:"IOMIXER_KEY"`
	Crypt string `json:"crypt"`
	Mode  string `json:"mode"`

	Conn        int `json:"conn"`
	AutoExpire  int `json:"autoexpire"`
	ScavengeTTL int `json:"scavengettl"`

	MTU       int `json:"mtu"`
	RateLimit int `json:"ratelimit"`
	SndWnd    int `json:"sndwnd"`
	RcvWnd    int `json:"rcvwnd"`

	DataShard   int `json:"datashard"`
	ParityShard int `json:"parityshard"`
	DSCP        int `json:"dscp"`

	NoComp       bool `json:"nocomp"`
	AckNodelay   bool `json:"acknodelay"`
	NoDelay      int  `json:"nodelay"`
	Interval     int  `json:"interval"`
	Resend       int  `json:"resend"`
	NoCongestion int  `json:"nc"`
	SockBuf      int  `json:"sockbuf"`
	KeepAlive    int  `json:"keepalive"`

	// LegacySmux switches the per-connection multiplexing strategy from
	// the iomixer channel mux (this module's default) back to plain
	// smux streams, for side-by-side comparison with the original tool.
	LegacySmux bool `json:"legacy-smux"`
	SmuxVer    int  `json:"smuxver"`
	SmuxBuf    int  `json:"smuxbuf"`
	StreamBuf  int  `json:"streambuf"`
	FrameSize  int  `json:"framesize"`

	// FrameCeiling is filled from -frameceiling and the JSON file, but
	// neither binary passes it to the mixer: iomixer always refuses frames
	// longer than iomixer.MaxDecodedPayload.
	FrameCeiling int `json:"frameceiling"`

	QPP      bool `json:"qpp"`
	QPPCount int  `json:"qpp-count"`

	CloseWait int `json:"closewait"`

	Log        string `json:"log"`
	SnmpLog    string `json:"snmplog"`
	SnmpPeriod int    `json:"snmpperiod"`
	Quiet      bool   `json:"quiet"`
	Pprof      bool   `json:"pprof"`
}

// ParseJSONFile decodes path into cfg, overlaying whatever the CLI flags
// already populated.
func ParseJSONFile(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(cfg)
}
