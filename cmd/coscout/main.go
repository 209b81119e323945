// Copyright 2024 coScene
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command coscout is the robot-data collection agent: it registers the
// device with the data platform, watches a fixed set of local
// directories for files worth uploading, and drives each matched record
// through the upload lifecycle. Mirrors ap.rpcd/rpcd.go's flag-driven,
// single-binary daemon shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"

	"github.com/coscene-io/coscout/internal/auth"
	"github.com/coscene-io/coscout/internal/codelimit"
	"github.com/coscene-io/coscout/internal/collector"
	"github.com/coscene-io/coscout/internal/config"
	"github.com/coscene-io/coscout/internal/daemonutils"
	"github.com/coscene-io/coscout/internal/fileindex"
	"github.com/coscene-io/coscout/internal/fileindex/classify"
	"github.com/coscene-io/coscout/internal/grpcutils"
	"github.com/coscene-io/coscout/internal/netmeter"
	"github.com/coscene-io/coscout/internal/paths"
	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/platform/grpctransport"
	"github.com/coscene-io/coscout/internal/platform/rest"
	"github.com/coscene-io/coscout/internal/trigger"
	"github.com/coscene-io/coscout/internal/urlfetch"
	"github.com/coscene-io/coscout/internal/version"
)

var (
	configFile  = flag.String("config-file", "/etc/coscout/config.yaml", "Path to config.yaml")
	stateDir    = flag.String("state-dir", "/var/lib/coscout", "Root of persisted agent state")
	cacheDir    = flag.String("cache-dir", "/var/cache/coscout", "Root of the remote-config/event-code cache")
	levelFlag   = zapcore.Level(0)
	verboseFlag = flag.Bool("v", false, "Enable debug logging")
	versionFlag = flag.Bool("version", false, "Print the agent version and exit")
	metricsAddr = flag.String("metrics-addr", ":9091", "Address to serve /metrics on")

	pname string

	cleanup struct {
		chans []chan bool
		wg    sync.WaitGroup
	}

	metrics struct {
		runs prometheus.Counter
	}
)

func addDoneChan() chan bool {
	dc := make(chan bool, 1)
	cleanup.chans = append(cleanup.chans, dc)
	cleanup.wg.Add(1)
	return dc
}

func daemonStop() {
	for _, c := range cleanup.chans {
		c <- true
	}
	cleanup.wg.Wait()
}

func prometheusInit() {
	metrics.runs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coscout_daemon_loop_total",
		Help: "Number of completed collector sweep loops.",
	})
	prometheus.MustRegister(metrics.runs)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(*metricsAddr, nil)
	}()
}

// noopEvaluator is the seam a real rule-condition-language implementation
// plugs into; none ships in this repo (the DSL is an external dependency
// to the original agent too), so every rule compiles to a program that
// never matches anything.
type noopEvaluator struct{}

type noopProgram struct{}

func (noopProgram) ConsumeNext(trigger.DataItem) error { return nil }

func (noopEvaluator) Build(string, map[string]any, trigger.UploadFunc, trigger.CreateMomentFunc, trigger.GateFunc, trigger.HitFunc) (trigger.Program, error) {
	return noopProgram{}, nil
}

func main() {
	flag.Var(levelFlagValue{&levelFlag}, "log-level", "Log level [debug,info,warn,error]")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Get())
		return
	}

	exec, err := os.Executable()
	if err != nil {
		panic("couldn't get executable name")
	}
	pname = filepath.Base(exec)

	level := levelFlag
	if *verboseFlag {
		level = zapcore.DebugLevel
	}
	_, slogger := daemonutils.SetupLogs(level, "")
	defer slogger.Sync() //nolint:errcheck

	layout := paths.Layout{StateDir: *stateDir, CacheDir: *cacheDir, ConfigDir: filepath.Dir(*configFile)}
	if err := layout.EnsureDirs(); err != nil {
		slogger.Fatalf("creating state dirs: %v", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slogger.Fatalf("loading config: %v", err)
	}

	modConf, err := collector.DecodeModConfig(cfg.Mod.Conf)
	if err != nil {
		slogger.Fatalf("decoding mod config: %v", err)
	}

	rawDevice, err := collector.EnsureRawDevice(modConf, layout.RawDeviceStateFile(), filepath.Dir(*configFile), slogger)
	if err != nil {
		slogger.Fatalf("discovering device identity: %v", err)
	}

	clientState, err := platform.LoadClientState(layout.APIClientStateFile())
	if err != nil {
		slogger.Fatalf("loading client state: %v", err)
	}
	installState, err := platform.LoadInstallState(layout.InstallStateFile())
	if err != nil {
		slogger.Fatalf("loading install state: %v", err)
	}

	platformConf := platform.Config{
		ServerURL:   cfg.API.ServerURL,
		ProjectSlug: cfg.API.ProjectSlug,
		OrgSlug:     cfg.API.OrgSlug,
		UseCache:    cfg.API.UseCache,
	}

	// Constructed once and threaded into both the platform transport and
	// the uploader (module D) instead of a package-level singleton.
	meter := &netmeter.Meter{}

	var transport platform.Transport
	var bearerCred *grpcutils.BearerCredential
	apiKeyFn := func() string {
		clientState2, _ := platform.LoadClientState(layout.APIClientStateFile())
		if clientState2 != nil {
			return clientState2.APIKey
		}
		return ""
	}
	switch cfg.API.Type {
	case config.TransportGRPC:
		conn, err := grpcutils.NewClientConn(cfg.API.ServerURL, true, pname)
		if err != nil {
			slogger.Fatalf("dialing platform gRPC endpoint: %v", err)
		}
		defer conn.Close() //nolint:errcheck
		bearerCred = grpcutils.NewBearerCredential()
		bearerCred.SetAPIKey(clientState.APIKey)
		transport = grpctransport.New(conn, bearerCred, meter)
	default:
		transport = rest.New(cfg.API.ServerURL, apiKeyFn, meter)
	}

	client := platform.New(transport, platformConf, clientState, installState, slogger)

	registerLoop := &auth.Loop{
		Client:    client,
		IntervalS: cfg.DeviceRegister.IntervalSecs,
		RawDevice: rawDevice,
		Logger:    slogger,
	}
	if err := registerLoop.Run(context.Background()); err != nil {
		slogger.Warnw("initial device registration did not complete", "error", err)
	}
	if bearerCred != nil {
		bearerCred.SetAPIKey(clientState.APIKey)
	}

	codeMgr := codelimit.New(layout.CodeLimitStateFile(), cfg.EventCode.Enabled, cfg.EventCode.Whitelist, cfg.EventCode.ResetIntervalSecs, slogger)
	refreshCodeTable(cfg.EventCode.CodeJSONURL, layout, codeMgr, slogger)

	idx := fileindex.New(layout.FileIndexStateFile(), []classify.Classifier{
		classify.NewLogClassifier(),
		classify.NewMCAPClassifier(),
		classify.NewROS1Classifier(),
		classify.NewROS2Classifier(modConf.ROS2CustomizedMsgsDirs),
	}, slogger)

	stateDirDefault := layout.ModStateDir("default")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	staticRules := trigger.NewRuleExecutor(ctx, "static-file-diagnosis", client, filepath.Join(layout.CacheDir, "static"), noopEvaluator{}, trigger.DefaultUploadFn(stateDirDefault), slogger)
	logRules := trigger.NewRuleExecutor(ctx, "log-listener", client, filepath.Join(layout.CacheDir, "log"), noopEvaluator{}, trigger.DefaultUploadFn(stateDirDefault), slogger)

	mod := &collector.ModRunner{
		Conf:      modConf,
		Client:    client,
		Layout:    layout,
		FileIndex: idx,
		Materializer: &collector.Materializer{
			FileIndex:   idx,
			Layout:      layout,
			StaticRules: staticRules,
			Logger:      slogger,
		},
		TaskHandler: &collector.TaskHandler{
			Client:      client,
			Layout:      layout,
			UploadFiles: modConf.UploadFiles,
			Logger:      slogger,
		},
		LogTailer: trigger.NewLogTailer(modConf.BaseDirs, slogger),
		LogRules:  logRules,
		Logger:    slogger,
	}

	coll := collector.New(collector.Config{
		DeleteAfterUpload:        cfg.Collector.DeleteAfterUpload,
		DeleteAfterIntervalHours: cfg.Collector.DeleteAfterIntervalHours,
		ScanIntervalSecs:         cfg.Collector.ScanIntervalSecs,
	}, client, codeMgr, layout, meter, slogger)

	prometheusInit()

	go registerLoopRun(ctx, registerLoop, &cleanup.wg, addDoneChan())
	go modRunnerLoop(ctx, mod, cfg.Collector.ScanIntervalSecs, &cleanup.wg, addDoneChan())
	go collectorLoop(ctx, coll, cfg.Collector.ScanIntervalSecs, &cleanup.wg, addDoneChan())

	exitSig := make(chan os.Signal, 2)
	signal.Notify(exitSig, syscall.SIGINT, syscall.SIGTERM)
	s := <-exitSig
	slogger.Infow("signal received, shutting down", "signal", s.String())
	cancel()
	daemonStop()
}

func registerLoopRun(ctx context.Context, l *auth.Loop, wg *sync.WaitGroup, done chan bool) {
	defer wg.Done()
	ticker := time.NewTicker(time.Duration(l.IntervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = l.Run(ctx)
		}
	}
}

func modRunnerLoop(ctx context.Context, mod *collector.ModRunner, intervalSecs int, wg *sync.WaitGroup, done chan bool) {
	defer wg.Done()
	interval := time.Duration(intervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := mod.Run(ctx); err != nil && mod.Logger != nil {
			mod.Logger.Errorw("mod run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func collectorLoop(ctx context.Context, coll *collector.Collector, intervalSecs int, wg *sync.WaitGroup, done chan bool) {
	defer wg.Done()
	interval := time.Duration(intervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := coll.Run(ctx); err != nil && coll.Logger != nil {
			coll.Logger.Errorw("collector run failed", "error", err)
		}
		metrics.runs.Inc()
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func refreshCodeTable(url string, layout paths.Layout, codeMgr *codelimit.Manager, slogger interface {
	Warnw(string, ...interface{})
}) {
	if url == "" {
		return
	}
	target := layout.CodeTableCacheFile()
	metaFile := target + ".meta"
	if _, err := urlfetch.FetchURL(url, target, metaFile); err != nil {
		slogger.Warnw("failed to refresh event-code table", "error", err)
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		return
	}
	table, err := collector.ConvertCode(raw)
	if err != nil {
		slogger.Warnw("failed to parse event-code table", "error", err)
		return
	}
	codeMgr.SetTable(table)
}

// levelFlagValue adapts a zapcore.Level to flag.Value so -log-level can be
// parsed the same way ap.rpcd's zap.LevelFlag works.
type levelFlagValue struct {
	level *zapcore.Level
}

func (v levelFlagValue) String() string {
	if v.level == nil {
		return ""
	}
	return v.level.String()
}

func (v levelFlagValue) Set(s string) error {
	return v.level.Set(s)
}
