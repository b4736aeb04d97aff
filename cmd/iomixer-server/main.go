// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command iomixer-server terminates KCP sessions from iomixer-client and, for
// every channel the client opens, dials the configured target and bridges
// the two. Passing -legacy-smux accepts smux streams instead, for
// side-by-side comparison with the tool this module grew out of.
package main

import (
	"crypto/sha1"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/qpp"
	"github.com/xtaci/smux"

	"github.com/dzik143/iomixer/internal/config"
	"github.com/dzik143/iomixer/internal/muxconn"
	"github.com/dzik143/iomixer/iomixer"
	"github.com/dzik143/iomixer/iomixer/snappycomp"
	"github.com/dzik143/iomixer/std"
)

const (
	saltString = "iomixer"
	maxSmuxVer = 2
)

const (
	targetUnix = iota
	targetTCP
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "iomixer-server"
	myApp.Usage = "channel-multiplexing server over KCP"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen,l", Value: ":29900", Usage: `listen address, eg: "IP:29900", or "IP:minport-maxport" for a port range`},
		cli.StringFlag{Name: "target, t", Value: "127.0.0.1:12948", Usage: "target server address, or path/to/unix_socket"},
		cli.StringFlag{Name: "key", Value: "it's a secrect", Usage: "pre-shared secret between client and server", EnvVar: "IOMIXER_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null"},
		cli.BoolFlag{Name: "QPP", Usage: "enable Quantum Permutation Pads(QPP) on every accepted channel"},
		cli.IntFlag{Name: "QPPCount", Value: 61, Usage: "prime number of QPP pads to use"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal, manual"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit for UDP packets"},
		cli.IntFlag{Name: "ratelimit", Value: 0, Usage: "maximum outgoing speed (bytes/sec), 0 to disable"},
		cli.IntFlag{Name: "sndwnd", Value: 1024, Usage: "send window size (packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 1024, Usage: "receive window size (packets)"},
		cli.IntFlag{Name: "datashard,ds", Value: 10, Usage: "reed-solomon erasure coding - datashard"},
		cli.IntFlag{Name: "parityshard,ps", Value: 3, Usage: "reed-solomon erasure coding - parityshard"},
		cli.IntFlag{Name: "dscp", Value: 0, Usage: "DSCP (6 bit)"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable per-channel compression"},
		cli.BoolFlag{Name: "acknodelay", Hidden: true},
		cli.IntFlag{Name: "nodelay", Hidden: true},
		cli.IntFlag{Name: "interval", Value: 50, Hidden: true},
		cli.IntFlag{Name: "resend", Hidden: true},
		cli.IntFlag{Name: "nc", Hidden: true},
		cli.IntFlag{Name: "sockbuf", Value: 4194304, Usage: "per-socket buffer in bytes"},
		cli.IntFlag{Name: "keepalive", Value: 10, Usage: "seconds between heartbeats"},
		cli.IntFlag{Name: "closewait", Value: 30, Usage: "seconds to let a closing connection drain before tearing down"},
		cli.IntFlag{Name: "frameceiling", Value: 0, Usage: "maximum iomixer frame payload length; read but not applied, the mixer always uses its built-in ceiling"},
		cli.BoolFlag{Name: "legacy-smux", Usage: "accept smux streams instead of iomixer channels"},
		cli.IntFlag{Name: "smuxver", Value: 2, Usage: "smux protocol version, for -legacy-smux"},
		cli.IntFlag{Name: "smuxbuf", Value: 4194304, Usage: "overall de-mux buffer in bytes, for -legacy-smux"},
		cli.IntFlag{Name: "framesize", Value: 8192, Usage: "smux max frame size, for -legacy-smux"},
		cli.IntFlag{Name: "streambuf", Value: 2097152, Usage: "per stream receive buffer in bytes, for -legacy-smux"},
		cli.StringFlag{Name: "snmplog", Value: "", Usage: "collect KCP snmp counters to this file"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "snmp collection period, in seconds"},
		cli.BoolFlag{Name: "pprof", Usage: "start profiling server on :6060"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress channel/stream open-close diagnostics"},
		cli.StringFlag{Name: "c", Value: "", Usage: "JSON config file, overrides the flags above"},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	cfg := config.Config{
		Listen:       c.String("listen"),
		Target:       c.String("target"),
		Key:          c.String("key"),
		Crypt:        c.String("crypt"),
		Mode:         c.String("mode"),
		MTU:          c.Int("mtu"),
		RateLimit:    c.Int("ratelimit"),
		SndWnd:       c.Int("sndwnd"),
		RcvWnd:       c.Int("rcvwnd"),
		DataShard:    c.Int("datashard"),
		ParityShard:  c.Int("parityshard"),
		DSCP:         c.Int("dscp"),
		NoComp:       c.Bool("nocomp"),
		AckNodelay:   c.Bool("acknodelay"),
		NoDelay:      c.Int("nodelay"),
		Interval:     c.Int("interval"),
		Resend:       c.Int("resend"),
		NoCongestion: c.Int("nc"),
		SockBuf:      c.Int("sockbuf"),
		KeepAlive:    c.Int("keepalive"),
		LegacySmux:   c.Bool("legacy-smux"),
		SmuxVer:      c.Int("smuxver"),
		SmuxBuf:      c.Int("smuxbuf"),
		StreamBuf:    c.Int("streambuf"),
		FrameSize:    c.Int("framesize"),
		FrameCeiling: c.Int("frameceiling"),
		QPP:          c.Bool("QPP"),
		QPPCount:     c.Int("QPPCount"),
		CloseWait:    c.Int("closewait"),
		Log:          c.String("log"),
		SnmpLog:      c.String("snmplog"),
		SnmpPeriod:   c.Int("snmpperiod"),
		Pprof:        c.Bool("pprof"),
		Quiet:        c.Bool("quiet"),
	}

	if path := c.String("c"); path != "" {
		checkError(config.ParseJSONFile(&cfg, path))
	}
	if cfg.RateLimit < 0 {
		log.Printf("ratelimit %d is negative, falling back to 0", cfg.RateLimit)
		cfg.RateLimit = 0
	}
	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		checkError(err)
		defer f.Close()
		log.SetOutput(f)
	}

	applyModeProfile(&cfg)

	log.Println("version:", VERSION)
	log.Println("listening on:", cfg.Listen)
	log.Println("target:", cfg.Target)
	log.Println("encryption:", cfg.Crypt)
	log.Println("legacy-smux:", cfg.LegacySmux)
	log.Println("compression:", !cfg.NoComp)

	if cfg.QPP {
		warnQPP(cfg.QPPCount, cfg.Key)
	}
	if cfg.LegacySmux && cfg.SmuxVer > maxSmuxVer {
		log.Fatal("unsupported smux version:", cfg.SmuxVer)
	}

	log.Println("initiating key derivation")
	pass := pbkdf2.Key([]byte(cfg.Key), []byte(saltString), 4096, 32, sha1.New)
	block, effectiveCrypt := std.SelectBlockCrypt(cfg.Crypt, pass)
	cfg.Crypt = effectiveCrypt
	log.Println("key derivation done, effective crypt:", cfg.Crypt)

	go std.SnmpLogger(cfg.SnmpLog, cfg.SnmpPeriod)
	if cfg.Pprof {
		go http.ListenAndServe(":6060", nil)
	}

	var pad *qpp.QuantumPermutationPad
	if cfg.QPP {
		pad = qpp.NewQPP([]byte(cfg.Key), uint16(cfg.QPPCount))
	}

	mp, err := std.ParseMultiPort(cfg.Listen)
	if err != nil {
		log.Println(err)
		return err
	}

	var wg sync.WaitGroup
	for port := mp.MinPort; port <= mp.MaxPort; port++ {
		listenAddr := fmt.Sprintf("%v:%v", mp.Host, port)
		portCfg := cfg
		portCfg.Listen = listenAddr
		lis, err := listen(&portCfg, block)
		checkError(err)
		log.Printf("listening on: %v/udp", listenAddr)
		wg.Add(1)
		go acceptLoop(&wg, lis, &portCfg, pad)
	}
	wg.Wait()
	return nil
}

func applyModeProfile(cfg *config.Config) {
	switch cfg.Mode {
	case "normal":
		cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion = 0, 40, 2, 1
	case "fast":
		cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion = 0, 30, 2, 1
	case "fast2":
		cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion = 1, 20, 2, 1
	case "fast3":
		cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion = 1, 10, 2, 1
	}
}

func warnQPP(count int, key string) {
	warnings, err := std.ValidateQPPParams(count, key)
	checkError(err)
	for _, w := range warnings {
		color.Red(w)
	}
}

func acceptLoop(wg *sync.WaitGroup, lis *kcp.Listener, cfg *config.Config, pad *qpp.QuantumPermutationPad) {
	defer wg.Done()
	if err := lis.SetDSCP(cfg.DSCP); err != nil {
		log.Println("SetDSCP:", err)
	}
	if err := lis.SetReadBuffer(cfg.SockBuf); err != nil {
		log.Println("SetReadBuffer:", err)
	}
	if err := lis.SetWriteBuffer(cfg.SockBuf); err != nil {
		log.Println("SetWriteBuffer:", err)
	}

	for {
		conn, err := lis.AcceptKCP()
		if err != nil {
			log.Printf("%+v", err)
			continue
		}
		log.Println("remote address:", conn.RemoteAddr())
		conn.SetStreamMode(true)
		conn.SetWriteDelay(false)
		conn.SetNoDelay(cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion)
		conn.SetMtu(cfg.MTU)
		conn.SetWindowSize(cfg.SndWnd, cfg.RcvWnd)
		conn.SetACKNoDelay(cfg.AckNodelay)
		conn.SetRateLimit(uint32(cfg.RateLimit))

		if cfg.LegacySmux {
			go handleSessionLegacySmux(conn, cfg, pad)
		} else {
			go handleSessionMixer(conn, cfg, pad)
		}
	}
}

func targetType(target string) int {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return targetUnix
	}
	return targetTCP
}

func dialTarget(target string) (net.Conn, error) {
	if targetType(target) == targetUnix {
		return net.Dial("unix", target)
	}
	return net.Dial("tcp", target)
}

// handleSessionMixer is the default path: one iomixer.Mixer demultiplexes
// every channel the client opens, dialing cfg.Target for each.
func handleSessionMixer(conn *kcp.UDPSession, cfg *config.Config, pad *qpp.QuantumPermutationPad) {
	var comp iomixer.Compressor
	if !cfg.NoComp {
		comp, _ = snappycomp.New()
	}

	opts := []iomixer.Option{}
	if comp != nil {
		opts = append(opts, iomixer.WithCompressor(comp))
	}
	mx := iomixer.New(conn, conn, opts...)
	mx.SetQuietMode(cfg.Quiet)
	if err := mx.Start(); err != nil {
		log.Println("mixer.Start:", err)
		return
	}

	_, controlR, _, err := mx.AddSlave(muxconn.ControlChannel)
	if err != nil {
		log.Println("AddSlave(control):", err)
		return
	}

	for {
		req, err := muxconn.ReadOpenRequest(controlR)
		if err != nil {
			if err != io.EOF && !cfg.Quiet {
				log.Println("control: read open request:", err)
			}
			return
		}
		go handleMixerChannel(mx, iomixer.Channel(req.ID), cfg, pad)
	}
}

func handleMixerChannel(mx *iomixer.Mixer, id iomixer.Channel, cfg *config.Config, pad *qpp.QuantumPermutationPad) {
	writeInto, readFrom, _, err := mx.AddSlave(id)
	if err != nil {
		log.Println("AddSlave:", err)
		return
	}
	if !cfg.NoComp {
		if err := mx.SetSlaveCompression(id, true); err != nil {
			log.Println("SetSlaveCompression:", err)
		}
	}

	p2, err := dialTarget(cfg.Target)
	if err != nil {
		log.Println(err)
		mx.RemoveSlave(id)
		return
	}
	defer p2.Close()

	var s1 io.ReadWriteCloser = muxconn.Pipe{W: writeInto, R: readFrom}
	if pad != nil {
		s1 = std.NewQPPPort(s1, pad, []byte(cfg.Key))
	}

	if !cfg.Quiet {
		log.Println("channel opened", "channel:", id, "out:", p2.RemoteAddr())
		defer log.Println("channel closed", "channel:", id)
	}

	err1, err2 := std.Pipe(s1, p2, cfg.CloseWait)
	if err1 != nil && err1 != io.EOF {
		log.Println("pipe:", err1, "channel:", id)
	}
	if err2 != nil && err2 != io.EOF {
		log.Println("pipe:", err2, "channel:", id)
	}
	mx.RemoveSlave(id)
}

// handleSessionLegacySmux reproduces the original tool's behavior: accept
// smux streams and dial cfg.Target for each.
func handleSessionLegacySmux(conn net.Conn, cfg *config.Config, pad *qpp.QuantumPermutationPad) {
	smuxConfig, err := std.BuildSmuxConfig(std.SmuxConfigParams{
		Version:          cfg.SmuxVer,
		MaxReceiveBuffer: cfg.SmuxBuf,
		MaxStreamBuffer:  cfg.StreamBuf,
		MaxFrameSize:     cfg.FrameSize,
		KeepAliveSeconds: cfg.KeepAlive,
	})
	if err != nil {
		log.Println(err)
		conn.Close()
		return
	}

	var transport net.Conn = conn
	if !cfg.NoComp {
		transport = std.NewCompStream(conn)
	}
	mux, err := smux.Server(transport, smuxConfig)
	if err != nil {
		log.Println(err)
		return
	}
	defer mux.Close()

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			log.Println(err)
			return
		}
		go handleLegacyStream(stream, cfg, pad)
	}
}

func handleLegacyStream(p1 *smux.Stream, cfg *config.Config, pad *qpp.QuantumPermutationPad) {
	defer p1.Close()

	p2, err := dialTarget(cfg.Target)
	if err != nil {
		log.Println(err)
		return
	}
	defer p2.Close()

	var s1 io.ReadWriteCloser = p1
	if pad != nil {
		s1 = std.NewQPPPort(p1, pad, []byte(cfg.Key))
	}

	if !cfg.Quiet {
		log.Println("stream opened", "in:", fmt.Sprint(p1.RemoteAddr(), "(", p1.ID(), ")"), "out:", p2.RemoteAddr())
		defer log.Println("stream closed")
	}

	err1, err2 := std.Pipe(s1, p2, cfg.CloseWait)
	if err1 != nil && err1 != io.EOF {
		log.Println("pipe:", err1)
	}
	if err2 != nil && err2 != io.EOF {
		log.Println("pipe:", err2)
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
