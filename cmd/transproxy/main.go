//go:build linux

// Command transproxy runs the transparent proxy. Clients reach it through a
// kernel TUN device or WireGuard; the in-tunnel DNS responder hands out
// virtual addresses for proxied names, and connections to those addresses
// are spliced onto connections to the upstream proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irctrakz/transproxy/pkg/api"
	"github.com/irctrakz/transproxy/pkg/capture"
	"github.com/irctrakz/transproxy/pkg/config"
	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/ipv4"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/irctrakz/transproxy/pkg/reactor"
	"github.com/irctrakz/transproxy/pkg/tcp"
	"github.com/irctrakz/transproxy/pkg/transproxy"
	"github.com/irctrakz/transproxy/pkg/tun"
	"github.com/irctrakz/transproxy/pkg/vip"
	wg "github.com/irctrakz/transproxy/pkg/wireguard"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "configuration file (.json, .yaml or .toml)")
	savePath := flag.String("save-config", "", "write the effective configuration to this file and exit")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			logging.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("logging: %v", err)
	}
	core.SetDebugMode(logging.IsDebug())

	if *savePath != "" {
		if err := cfg.SaveToFile(*savePath); err != nil {
			logging.Fatalf("config: %v", err)
		}
		logging.Infof("configuration written to %s", *savePath)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}

// engine is everything living on the reactor goroutine.
type engine struct {
	loop    *reactor.Loop
	stack   *ipv4.Stack
	demux   *tcp.Demux
	splicer *transproxy.Splicer
	table   *vip.Table
	rules   *vip.DomainRules
	dns     *vip.DNSServer
	tun     *tun.Device
	wgTun   *wg.WGTun
}

func (e *engine) metrics() core.Metrics {
	m := core.Metrics{
		Stack:   e.stack.Metrics(),
		TCP:     e.demux.Metrics(),
		Splicer: e.splicer.Metrics(),
		DNS:     e.dns.Metrics(),
	}
	if e.tun != nil {
		m.TUN = e.tun.Metrics()
	}
	if e.wgTun != nil {
		wm := e.wgTun.Metrics()
		m.WireGuard = &wm
	}
	return m
}

func run(ctx context.Context, cfg *config.Config) error {
	addrs, err := cfg.Addresses()
	if err != nil {
		return err
	}
	loop, err := reactor.NewLoop()
	if err != nil {
		return err
	}
	defer loop.Close()

	e := &engine{loop: loop, stack: ipv4.NewStack(nil)}
	ipv4.NewEchoResponder(e.stack)
	udp := ipv4.NewUDPTable(e.stack)
	e.demux = tcp.NewDemux(e.stack, loop)
	e.stack.RegisterProtocol(packet.ProtoTCP, e.demux)

	if e.table, err = vip.NewTable(addrs.VIPMin, addrs.VIPMax, cfg.WorkDir); err != nil {
		return err
	}
	if e.rules, err = loadRules(cfg); err != nil {
		return err
	}
	e.splicer, err = transproxy.NewSplicer(e.stack, loop, e.table, transproxy.Config{
		ProxyURL:    cfg.Proxy.URL,
		ClientIP:    addrs.ClientIP,
		AgentMin:    addrs.AgentMin,
		AgentMax:    addrs.AgentMax,
		IdleTimeout: time.Duration(cfg.Proxy.IdleTimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}
	e.stack.RegisterProtocol(packet.ProtoTCP, e.splicer)
	e.table.AddRules(vip.DenyFunc(e.splicer.DenyProxy))
	e.table.AddRules(e.rules)

	e.dns, err = vip.NewDNSServer(udp, vip.DNSConfig{
		Bind:     netip.AddrPortFrom(addrs.ServerIP, 53),
		Upstream: cfg.Proxy.UpstreamDNS,
	}, e.table, loop, loop)
	if err != nil {
		return err
	}

	if cfg.Capture.File != "" {
		w, err := capture.Create(cfg.Path(cfg.Capture.File))
		if err != nil {
			return err
		}
		defer w.Close()
		e.stack.AddTap(w.Tap())
	}

	var framer core.PacketProcessor
	if cfg.TUN.Enabled {
		e.tun, err = tun.Open(tun.Options{
			Name: cfg.TUN.Name,
			MTU:  cfg.TUN.MTU,
			Addr: addrs.ClientIP,
			Mask: addrs.Mask,
		}, loop, loop.Post)
		if err != nil {
			return err
		}
		e.tun.SetPacketProcessor(e.stack)
		framer = e.tun
	}

	var dev wg.DeviceHandle
	if cfg.WireGuard.Enabled {
		e.wgTun = wg.NewWGTun("wg-transproxy", cfg.WireGuard.MTU, core.PacketProcessorFunc(func(p core.Packet) error {
			loop.Post(func() {
				defer core.ReleasePacket(p)
				if err := e.stack.DispatchPacket(p.Data()); err != nil {
					logging.Component("wireguard").WithError(err).Debug("dispatch failed")
				}
			})
			return nil
		}))
		e.wgTun.SetExclude(addrs.Local)
		dev, err = wg.StartDevice(cfg.WireGuard, e.wgTun)
		if err != nil {
			return err
		}
		defer dev.Close()
		framer = wg.NewRouter(e.wgTun, framer)
	}
	e.stack.SetFramer(framer)

	if e.tun != nil {
		if err := e.tun.Start(); err != nil {
			return err
		}
		defer e.tun.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	opts := api.Options{
		Splicer: e.splicer,
		DNS:     e.dns,
		Table:   e.table,
		Rules:   e.rules,
		Config:  cfg,
		Metrics: e.metrics,
		Version: version,
		Started: time.Now(),
	}
	if dev != nil {
		opts.Peers = dev.Peers
		g.Go(func() error {
			wg.MonitorHandshakes(gctx, dev, 30*time.Second)
			return nil
		})
	}
	handler := api.New(loop, opts)
	if cfg.API.Listen != "" {
		ln, err := net.Listen("tcp", cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("api listen: %w", err)
		}
		g.Go(func() error { return handler.Serve(gctx, ln) })
	}
	if cfg.API.Internal {
		ln, err := tcp.Listen(loop, e.demux, netip.AddrPortFrom(addrs.ServerIP, 80))
		if err != nil {
			return fmt.Errorf("in-tunnel api listen: %w", err)
		}
		g.Go(func() error { return handler.Serve(gctx, ln) })
	}
	if interval, format, ok := metricsSettings(); ok {
		g.Go(func() error {
			runMetricsReporter(gctx, loop, e, dev, interval, format)
			return nil
		})
	}

	logging.Infof("transproxy %s: DNS %s, proxy %s, VIPs %s-%s", version, addrs.ServerIP, e.splicer.ProxyAddr(), addrs.VIPMin, addrs.VIPMax)
	return g.Wait()
}

func loadRules(cfg *config.Config) (*vip.DomainRules, error) {
	rules := vip.NewDomainRules()
	if cfg.Proxy.RulesFile != "" {
		if _, err := rules.LoadRulesFile(cfg.Path(cfg.Proxy.RulesFile)); err != nil {
			return nil, err
		}
	}
	for _, l := range []struct {
		path   string
		direct bool
	}{
		{cfg.Proxy.ProxyListFile, false},
		{cfg.Proxy.DirectListFile, true},
	} {
		if l.path == "" {
			continue
		}
		if _, err := rules.LoadListFile(cfg.Path(l.path), l.direct); err != nil {
			return nil, err
		}
	}
	proxy, direct := rules.Len()
	logging.Infof("domain rules: %d proxied, %d direct", proxy, direct)
	return rules, nil
}
