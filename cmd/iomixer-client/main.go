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

// Command iomixer-client accepts local connections and tunnels each of them
// as one iomixer channel multiplexed onto a single encrypted KCP session to
// an iomixer-server. Passing -legacy-smux switches the per-connection
// multiplexing strategy to plain smux streams for side-by-side comparison
// with the tool this module grew out of.
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
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fatih/color"
	"github.com/pkg/errors"
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
	// saltString is used for pbkdf2 key expansion.
	saltString = "iomixer"
	maxSmuxVer = 2
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "iomixer-client"
	myApp.Usage = "channel-multiplexing client over KCP"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr,l", Value: ":12948", Usage: "local listen address"},
		cli.StringFlag{Name: "remoteaddr, r", Value: "vps:29900", Usage: `server address, eg: "IP:29900", or "IP:minport-maxport" for a port range`},
		cli.StringFlag{Name: "key", Value: "it's a secrect", Usage: "pre-shared secret between client and server", EnvVar: "IOMIXER_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal, manual"},
		cli.BoolFlag{Name: "QPP", Usage: "enable Quantum Permutation Pads(QPP) on every slave's caller-facing pipe"},
		cli.IntFlag{Name: "QPPCount", Value: 61, Usage: "prime number of QPP pads to use"},
		cli.IntFlag{Name: "conn", Value: 1, Usage: "number of KCP connections to the server"},
		cli.IntFlag{Name: "autoexpire", Value: 0, Usage: "KCP connection expiry (seconds); only compared with scavengettl for a startup warning, connections are not expired"},
		cli.IntFlag{Name: "scavengettl", Value: 600, Usage: "lifetime of an expired connection (seconds); only compared with autoexpire for a startup warning"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit for UDP packets"},
		cli.IntFlag{Name: "ratelimit", Value: 0, Usage: "maximum outgoing speed (bytes/sec), 0 to disable"},
		cli.IntFlag{Name: "sndwnd", Value: 128, Usage: "send window size (packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 512, Usage: "receive window size (packets)"},
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
		cli.IntFlag{Name: "closewait", Value: 0, Usage: "seconds to let a closing connection drain before tearing down"},
		cli.IntFlag{Name: "frameceiling", Value: 0, Usage: "maximum iomixer frame payload length; read but not applied, the mixer always uses its built-in ceiling"},
		cli.BoolFlag{Name: "legacy-smux", Usage: "multiplex connections with smux streams instead of iomixer channels"},
		cli.IntFlag{Name: "smuxver", Value: 2, Usage: "smux protocol version, for -legacy-smux"},
		cli.IntFlag{Name: "smuxbuf", Value: 4194304, Usage: "overall de-mux buffer in bytes, for -legacy-smux"},
		cli.IntFlag{Name: "framesize", Value: 8192, Usage: "smux max frame size, for -legacy-smux"},
		cli.IntFlag{Name: "streambuf", Value: 2097152, Usage: "per stream receive buffer in bytes, for -legacy-smux"},
		cli.StringFlag{Name: "snmplog", Value: "", Usage: "collect KCP snmp counters to this file"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "snmp collection period, in seconds"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress channel/stream open-close diagnostics"},
		cli.StringFlag{Name: "c", Value: "", Usage: "JSON config file, overrides the flags above"},
		cli.BoolFlag{Name: "pprof", Usage: "start profiling server on :6060"},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	cfg := config.Config{
		LocalAddr:    c.String("localaddr"),
		RemoteAddr:   c.String("remoteaddr"),
		Key:          c.String("key"),
		Crypt:        c.String("crypt"),
		Mode:         c.String("mode"),
		Conn:         c.Int("conn"),
		AutoExpire:   c.Int("autoexpire"),
		ScavengeTTL:  c.Int("scavengettl"),
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
		Quiet:        c.Bool("quiet"),
		Pprof:        c.Bool("pprof"),
	}

	if path := c.String("c"); path != "" {
		checkError(config.ParseJSONFile(&cfg, path))
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		checkError(err)
		defer f.Close()
		log.SetOutput(f)
	}

	applyModeProfile(&cfg)

	log.Println("version:", VERSION)
	listener, err := listenLocal(cfg.LocalAddr)
	checkError(err)

	log.Println("listening on:", listener.Addr())
	log.Println("encryption:", cfg.Crypt)
	log.Println("legacy-smux:", cfg.LegacySmux)
	log.Println("QPP:", cfg.QPP, "QPPCount:", cfg.QPPCount)
	log.Println("remote address:", cfg.RemoteAddr)
	log.Println("compression:", !cfg.NoComp)

	if cfg.QPP {
		warnQPP(cfg.QPPCount, cfg.Key)
	}
	if cfg.AutoExpire != 0 && cfg.ScavengeTTL > cfg.AutoExpire {
		color.Red("WARNING: scavengettl is bigger than autoexpire, connections may race hard to use bandwidth.")
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

	if cfg.LegacySmux {
		return runLegacySmux(&cfg, listener, block, pad)
	}
	return runMixer(&cfg, listener, block, pad)
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

func listenLocal(addr string) (net.Listener, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		uaddr, rerr := net.ResolveUnixAddr("unix", addr)
		if rerr != nil {
			return nil, rerr
		}
		return net.ListenUnix("unix", uaddr)
	}
	taddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenTCP("tcp", taddr)
}

func dialKCP(cfg *config.Config, block kcp.BlockCrypt) (*kcp.UDPSession, error) {
	sess, err := dial(cfg, block)
	if err != nil {
		return nil, errors.Wrap(err, "dial()")
	}
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion)
	sess.SetWindowSize(cfg.SndWnd, cfg.RcvWnd)
	sess.SetMtu(cfg.MTU)
	sess.SetACKNoDelay(cfg.AckNodelay)
	sess.SetRateLimit(uint32(cfg.RateLimit))
	if err := sess.SetDSCP(cfg.DSCP); err != nil {
		log.Println("SetDSCP:", err)
	}
	if err := sess.SetReadBuffer(cfg.SockBuf); err != nil {
		log.Println("SetReadBuffer:", err)
	}
	if err := sess.SetWriteBuffer(cfg.SockBuf); err != nil {
		log.Println("SetWriteBuffer:", err)
	}
	return sess, nil
}

// runMixer is the default path: one iomixer.Mixer per KCP session, one
// channel per accepted local connection.
func runMixer(cfg *config.Config, listener net.Listener, block kcp.BlockCrypt, pad *qpp.QuantumPermutationPad) error {
	sess, err := dialKCP(cfg, block)
	checkError(err)

	var comp iomixer.Compressor
	if !cfg.NoComp {
		comp, _ = snappycomp.New()
	}

	opts := []iomixer.Option{}
	if comp != nil {
		opts = append(opts, iomixer.WithCompressor(comp))
	}
	mx := iomixer.New(sess, sess, opts...)
	mx.SetQuietMode(cfg.Quiet)
	if err := mx.Start(); err != nil {
		return errors.Wrap(err, "mixer.Start")
	}

	controlW, _, _, err := mx.AddSlave(muxconn.ControlChannel)
	if err != nil {
		return errors.Wrap(err, "AddSlave(control)")
	}
	var controlMu sync.Mutex

	for {
		p1, err := listener.Accept()
		if err != nil {
			log.Fatalf("%+v", err)
		}
		go handleLocalConn(mx, controlW, &controlMu, p1, cfg, pad)
	}
}

func handleLocalConn(mx *iomixer.Mixer, controlW io.Writer, controlMu *sync.Mutex, p1 net.Conn, cfg *config.Config, pad *qpp.QuantumPermutationPad) {
	defer p1.Close()

	writeInto, readFrom, id, err := mx.AddSlave(-1)
	if err != nil {
		log.Println("AddSlave:", err)
		return
	}
	if !cfg.NoComp {
		if err := mx.SetSlaveCompression(id, true); err != nil {
			log.Println("SetSlaveCompression:", err)
		}
	}

	controlMu.Lock()
	err = muxconn.WriteOpenRequest(controlW, muxconn.OpenRequest{ID: int32(id)})
	controlMu.Unlock()
	if err != nil {
		log.Println("control: write open request:", err)
		mx.RemoveSlave(id)
		return
	}

	var s2 io.ReadWriteCloser = muxconn.Pipe{W: writeInto, R: readFrom}
	if pad != nil {
		s2 = std.NewQPPPort(s2, pad, []byte(cfg.Key))
	}

	if !cfg.Quiet {
		log.Println("channel opened", "in:", p1.RemoteAddr(), "channel:", id)
		defer log.Println("channel closed", "in:", p1.RemoteAddr(), "channel:", id)
	}

	err1, err2 := std.Pipe(p1, s2, cfg.CloseWait)
	if err1 != nil && err1 != io.EOF {
		log.Println("pipe:", err1, "channel:", id)
	}
	if err2 != nil && err2 != io.EOF {
		log.Println("pipe:", err2, "channel:", id)
	}
	mx.RemoveSlave(id)
}

// runLegacySmux reproduces the original tool's behavior: one smux stream per
// accepted local connection, round-robined across cfg.Conn KCP sessions.
func runLegacySmux(cfg *config.Config, listener net.Listener, block kcp.BlockCrypt, pad *qpp.QuantumPermutationPad) error {
	createConn := func() (*smux.Session, error) {
		sess, err := dialKCP(cfg, block)
		if err != nil {
			return nil, err
		}
		smuxConfig, err := std.BuildSmuxConfig(std.SmuxConfigParams{
			Version:          cfg.SmuxVer,
			MaxReceiveBuffer: cfg.SmuxBuf,
			MaxStreamBuffer:  cfg.StreamBuf,
			MaxFrameSize:     cfg.FrameSize,
			KeepAliveSeconds: cfg.KeepAlive,
		})
		if err != nil {
			return nil, err
		}
		if cfg.NoComp {
			return smux.Client(sess, smuxConfig)
		}
		return smux.Client(std.NewCompStream(sess), smuxConfig)
	}

	waitConn := func() *smux.Session {
		for {
			if session, err := createConn(); err == nil {
				return session
			} else {
				log.Println("re-connecting:", err)
				time.Sleep(time.Second)
			}
		}
	}

	numconn := uint16(cfg.Conn)
	if numconn == 0 {
		numconn = 1
	}
	sessions := make([]*smux.Session, numconn)
	var rr uint16

	for {
		p1, err := listener.Accept()
		if err != nil {
			log.Fatalf("%+v", err)
		}
		idx := rr % numconn
		if sessions[idx] == nil || sessions[idx].IsClosed() {
			sessions[idx] = waitConn()
		}
		go handleLegacyStream(sessions[idx], p1, cfg, pad)
		rr++
	}
}

func handleLegacyStream(session *smux.Session, p1 net.Conn, cfg *config.Config, pad *qpp.QuantumPermutationPad) {
	defer p1.Close()
	p2, err := session.OpenStream()
	if err != nil {
		log.Println(err)
		return
	}
	defer p2.Close()

	var s2 io.ReadWriteCloser = p2
	if pad != nil {
		s2 = std.NewQPPPort(p2, pad, []byte(cfg.Key))
	}

	if !cfg.Quiet {
		log.Println("stream opened", "in:", p1.RemoteAddr(), "out:", fmt.Sprint(p2.RemoteAddr(), "(", p2.ID(), ")"))
		defer log.Println("stream closed", "in:", p1.RemoteAddr())
	}

	err1, err2 := std.Pipe(p1, s2, cfg.CloseWait)
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
