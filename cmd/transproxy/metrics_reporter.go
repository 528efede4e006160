//go:build linux

package main

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/irctrakz/transproxy/pkg/api"
	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/logging"
	wg "github.com/irctrakz/transproxy/pkg/wireguard"
)

// freshHandshake is how recent a peer's handshake must be to count as live.
const freshHandshake = 3 * time.Minute

// metricsSettings reads METRICS_INTERVAL and METRICS_FORMAT (text or json).
// The reporter is enabled when either is set.
func metricsSettings() (time.Duration, string, bool) {
	iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	format := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))
	if iv == "" && format == "" {
		return 0, "", false
	}
	d, err := time.ParseDuration(iv)
	if err != nil || d <= 0 {
		d = 30 * time.Second
	}
	if format != "json" {
		format = "text"
	}
	return d, format, true
}

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Engine    core.Metrics      `json:"engine"`
	Handshake map[string]int64  `json:"wg_hs,omitempty"`
	Runtime   map[string]uint64 `json:"rt"`
}

// runMetricsReporter logs a snapshot every interval until ctx is done.
func runMetricsReporter(ctx context.Context, loop api.Caller, e *engine, dev wg.DeviceHandle, interval time.Duration, format string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var m core.Metrics
		if err := loop.Call(ctx, func() { m = e.metrics() }); err != nil {
			return
		}
		snap := metricsSnapshot{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Engine:    m,
			Runtime:   runtimeStats(),
		}
		if dev != nil {
			if peers, err := dev.Peers(); err == nil {
				snap.Handshake = summarizeHandshakes(peers, time.Now())
			}
		}
		logMetrics(snap, format)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runtimeStats() map[string]uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]uint64{
		"heap_alloc": ms.HeapAlloc,
		"heap_inuse": ms.HeapInuse,
		"goroutines": uint64(runtime.NumGoroutine()),
		"num_gc":     uint64(ms.NumGC),
	}
}

// summarizeHandshakes counts peers and fresh handshakes and reports the
// oldest and newest handshake age in seconds.
func summarizeHandshakes(peers []wg.PeerStatus, now time.Time) map[string]int64 {
	res := map[string]int64{"peers": int64(len(peers)), "fresh": 0, "stale": 0, "oldest_sec": 0, "newest_sec": 0}
	first := true
	for _, p := range peers {
		if p.LastHandshake.IsZero() {
			res["stale"]++
			continue
		}
		age := int64(now.Sub(p.LastHandshake) / time.Second)
		if time.Duration(age)*time.Second < freshHandshake {
			res["fresh"]++
		} else {
			res["stale"]++
		}
		if first || age > res["oldest_sec"] {
			res["oldest_sec"] = age
		}
		if first || age < res["newest_sec"] {
			res["newest_sec"] = age
		}
		first = false
	}
	return res
}

func logMetrics(snap metricsSnapshot, format string) {
	if format == "json" {
		b, err := json.Marshal(snap)
		if err != nil {
			logging.Warnf("metrics: %v", err)
			return
		}
		logging.Infof("metrics: %s", b)
		return
	}
	m := snap.Engine
	line := "metrics: ts=%s ip: in=%d/%d out=%d/%d bad=%d err=%d | tcp: endpoints=%d rst=%d | proxy: flows=%d/%d max=%d up=%d down=%d hsfail=%d retry=%d | dns: q=%d ans=%d relay=%d fail=%d vips=%d | tun: rx=%d tx=%d err=%d | rt: heap=%dMi gor=%d gc=%d"
	args := []any{
		snap.Timestamp,
		m.Stack.PacketsIn, m.Stack.BytesIn, m.Stack.PacketsOut, m.Stack.BytesOut, m.Stack.Malformed, m.Stack.Errors,
		m.TCP.Endpoints, m.TCP.ResetsSent,
		m.Splicer.Connections, m.Splicer.Flows, m.Splicer.MaxConnections, m.Splicer.UpBytes, m.Splicer.DownBytes,
		m.Splicer.HandshakeFailures, m.Splicer.RetriesExhausted,
		m.DNS.Queries, m.DNS.Answered, m.DNS.Relayed, m.DNS.Failures, m.DNS.Bindings,
		m.TUN.PacketsReceived, m.TUN.PacketsSent, m.TUN.Errors,
		snap.Runtime["heap_alloc"] / (1024 * 1024), snap.Runtime["goroutines"], snap.Runtime["num_gc"],
	}
	if w := m.WireGuard; w != nil {
		hs := snap.Handshake
		line += " | wg: from=%d to=%d peer=%d drops=%d hs: peers=%d %d/%d oldest=%ds newest=%ds"
		args = append(args, w.BytesFromPeers, w.BytesToPeers, w.PeerRoutes, w.QueueDrops,
			hs["peers"], hs["fresh"], hs["stale"], hs["oldest_sec"], hs["newest_sec"])
	}
	logging.Infof(line, args...)
}
