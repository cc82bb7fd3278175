// Package main provides the gridlink daemon.
//
// The daemon keeps one connection per configured peer alive over a shared grid
// connection and logs every status change and packet. With -fetch it instead
// performs a single request/response exchange with one peer and prints the
// reply. With -demo it runs against an in-process gateway hosting an echo peer.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/gridlink/config"
	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/peer"
	"github.com/opd-ai/gridlink/transport"
	"github.com/opd-ai/gridlink/transport/gatewaytest"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds the command-line options.
type CLIConfig struct {
	configPath string
	logLevel   string
	fetchPeer  string
	request    string
	greeting   string
	demo       bool
	help       bool
}

// parseCLIFlags parses args into a CLIConfig.
func parseCLIFlags(args []string) (*CLIConfig, *flag.FlagSet, error) {
	cli := &CLIConfig{}
	fs := flag.NewFlagSet("gridlink", flag.ContinueOnError)

	fs.StringVar(&cli.configPath, "config", "gridlink.yaml", "Path to the YAML configuration file")
	fs.StringVar(&cli.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	fs.StringVar(&cli.fetchPeer, "fetch", "", "Fetch one reply from the named peer and exit")
	fs.StringVar(&cli.request, "request", "", "Request sent by -fetch")
	fs.StringVar(&cli.greeting, "greet", "", "Message sent to every peer each time it comes online")
	fs.BoolVar(&cli.demo, "demo", false, "Run against an in-process gateway with an echo peer")
	fs.BoolVar(&cli.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return cli, fs, nil
}

// printUsage prints the usage information.
func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "gridlink - persistent peer connections over a grid gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s [options]\n", fs.Name())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s -config /etc/gridlink.yaml\n", fs.Name())
	fmt.Fprintf(w, "  %s -config /etc/gridlink.yaml -fetch living-room -request GETCONFIG\n", fs.Name())
	fmt.Fprintf(w, "  %s -demo -greet hello -log-level debug\n", fs.Name())
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(cli *CLIConfig) error {
	if !cli.demo && cli.configPath == "" {
		return fmt.Errorf("a configuration file is required unless -demo is set")
	}
	if cli.request != "" && cli.fetchPeer == "" {
		return fmt.Errorf("-request needs -fetch")
	}
	if cli.logLevel != "" {
		if _, err := logrus.ParseLevel(cli.logLevel); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig loads the configuration file, or builds one around an in-process
// gateway in demo mode. The returned cleanup must be called when done.
func loadConfig(cli *CLIConfig) (*config.Config, func(), error) {
	if !cli.demo {
		cfg, err := config.Load(cli.configPath)
		return cfg, func() {}, err
	}

	gw, err := gatewaytest.Start()
	if err != nil {
		return nil, nil, fmt.Errorf("start demo gateway: %w", err)
	}

	echo, err := crypto.GenerateKeyPair()
	if err != nil {
		gw.Close()
		return nil, nil, err
	}
	gw.AddPeer(echo.ID(), gatewaytest.Echo())

	cfg := &config.Config{
		Gateway: config.Gateway{
			Address:   gw.Addr(),
			PublicKey: gw.PublicKey().String(),
		},
		Peers: []config.Peer{{Name: "echo", ID: echo.ID().String()}},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		gw.Close()
		return nil, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "loadConfig",
		"gateway":  gw.Addr(),
		"peer":     echo.ID().Short(),
	}).Info("Demo gateway started")

	return cfg, func() { gw.Close() }, nil
}

// run executes the daemon or a single fetch until ctx is done.
func run(ctx context.Context, cfg *config.Config, cli *CLIConfig, out io.Writer) error {
	keys, err := cfg.Keys()
	if err != nil {
		return err
	}
	defer crypto.WipeKeyPair(keys)

	pool := transport.NewGridPool(cfg.DialConfig(keys),
		transport.WithEstablishTimeout(cfg.Gateway.DialTimeout),
		transport.WithReestablish(),
	)

	if cli.fetchPeer != "" {
		return runFetch(ctx, cfg, cli, pool, out)
	}
	return runDaemon(ctx, cfg, cli, pool)
}

func runFetch(ctx context.Context, cfg *config.Config, cli *CLIConfig, pool *transport.Pool, out io.Writer) error {
	var target *config.Peer
	for i := range cfg.Peers {
		if cfg.Peers[i].Name == cli.fetchPeer {
			target = &cfg.Peers[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("peer %q is not configured", cli.fetchPeer)
	}

	id, err := crypto.ParsePeerID(target.ID)
	if err != nil {
		return fmt.Errorf("peer %q: %w", target.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ReceiveTimeout)
	defer cancel()

	reply, err := peer.Fetch(ctx, pool, id, target.Protocol, []byte(cli.request))
	if err != nil {
		return fmt.Errorf("fetch from %q: %w", target.Name, err)
	}

	fmt.Fprintf(out, "%d bytes from %s\n", len(reply), target.Name)
	fmt.Fprint(out, hex.Dump(reply))
	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config, cli *CLIConfig, pool *transport.Pool) error {
	if len(cfg.Peers) == 0 {
		return errors.New("no peers configured")
	}

	lifecycles := make([]*peer.Lifecycle, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		h := &logHandler{name: p.Name, greeting: []byte(cli.greeting)}
		lc := peer.New(h,
			peer.WithReconnectDelay(cfg.ReconnectDelay),
			peer.WithProtocol(p.Protocol),
		)
		h.lc = lc

		// A bad id is reported through the handler; the other peers keep running.
		lc.Initialize(p.ID, pool)
		lifecycles = append(lifecycles, lc)
	}

	logrus.WithFields(logrus.Fields{
		"function": "runDaemon",
		"peers":    len(lifecycles),
	}).Info("gridlink running")

	<-ctx.Done()

	logrus.WithField("function", "runDaemon").Info("Shutting down")
	for _, lc := range lifecycles {
		lc.Dispose()
	}
	return nil
}

// logHandler logs lifecycle notifications for one configured peer.
type logHandler struct {
	name     string
	greeting []byte
	lc       *peer.Lifecycle
}

func (h *logHandler) ReportStatus(status peer.Status, detail peer.Detail, reason string) {
	entry := logrus.WithFields(logrus.Fields{
		"function": "ReportStatus",
		"peer":     h.name,
		"status":   status.String(),
	})

	switch {
	case status == peer.StatusOffline:
		entry.WithFields(logrus.Fields{
			"detail": detail.String(),
			"reason": reason,
		}).Warn("Peer offline")
	case status == peer.StatusOnline:
		entry.Info("Peer online")
		if len(h.greeting) > 0 {
			h.lc.Send(h.greeting)
		}
	default:
		entry.Debug("Peer status")
	}
}

func (h *logHandler) HandlePacket(payload []byte) {
	preview := payload
	if len(preview) > 16 {
		preview = preview[:16]
	}
	logrus.WithFields(logrus.Fields{
		"function": "HandlePacket",
		"peer":     h.name,
		"size":     len(payload),
		"head":     hex.EncodeToString(preview),
	}).Info("Packet received")
}

func main() {
	cli, fs, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.help {
		printUsage(os.Stdout, fs)
		os.Exit(0)
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	cfg, cleanup, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if cli.logLevel != "" {
		cfg.Log.Level = cli.logLevel
	}
	if err := cfg.ConfigureLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cli, os.Stdout); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("gridlink failed")
		cleanup()
		os.Exit(1)
	}
}
