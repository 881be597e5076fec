// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package daemon wires the ptlrpc services into a long running process:
// the imports and targets of its config file, the network drivers they
// talk through and the control socket `lctl` talks to.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/lightbitslabs/ptlrpcd/pkg/grpclnd"
	"github.com/lightbitslabs/ptlrpcd/pkg/grpcutil"
	"github.com/lightbitslabs/ptlrpcd/pkg/kuc"
	"github.com/lightbitslabs/ptlrpcd/pkg/lnet"
	"github.com/lightbitslabs/ptlrpcd/pkg/metrics"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/target"
	"github.com/lightbitslabs/ptlrpcd/pkg/timer"
	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
	"github.com/lightbitslabs/ptlrpcd/pkg/workitem"
)

const logTimestampFmt = "2006-01-02T15:04:05.000000-07:00"

var (
	// SHOULD be inserted at build time through `-ldflags`
	version          = "0.0.0"
	versionGitCommit = ""
	versionBuildHash = ""
	versionBuildID   = ""
)

func GetVersion() string {
	return version
}

func GetFullVersionStr() string {
	ver := fmt.Sprintf("%s (GitCommit: %s", version, versionGitCommit)
	if versionBuildHash != "" {
		ver += fmt.Sprintf(", BuildHash: %s", versionBuildHash)
	}
	if versionBuildID != "" {
		ver += fmt.Sprintf(", BuildID: %s", versionBuildID)
	}
	return ver + ")"
}

type Daemon struct {
	cfg      Config
	sockPath string // control UDS path
	log      *logrus.Entry
	fileCfg  *FileConfig

	wheel  *timer.Wheel
	sched  *workitem.Scheduler
	ln     *lnet.LNet
	lo     *target.Loopback
	kuc    *kuc.Registry
	lnds   *ptlrpc.LNDTable
	pool   *ptlrpc.ConnPool
	tgtSrv *grpclnd.Server

	// fixed once New() returns.
	targets  map[string]*target.Target
	tgtOrder []string
	imports  map[string]*ptlrpc.Import
	impOrder []string

	importMetrics *metrics.ImportMetrics

	watchers uint32 // KUC uid of the last event watcher
	started  bool

	ready   chan struct{}
	mu      sync.Mutex // protects fields below
	tgtAddr string
	ctlSrv  *grpc.Server
	lndSrv  *grpc.Server
	httpSrv *http.Server
}

func newLogger(cfg Config) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil || level < logrus.ErrorLevel || level > logrus.DebugLevel {
		return nil, fmt.Errorf("unsupported log level: '%s'", cfg.LogLevel)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	var logFmt logrus.Formatter
	switch cfg.LogFormat {
	case "json":
		logFmt = &logrus.JSONFormatter{
			DisableTimestamp: !cfg.LogTimestamps,
			PrettyPrint:      cfg.PrettyJson,
			TimestampFormat:  logTimestampFmt,
		}
	case "text":
		logFmt = &logrus.TextFormatter{
			FullTimestamp:   cfg.LogTimestamps,
			TimestampFormat: logTimestampFmt,
		}
	default:
		return nil, fmt.Errorf("unsupported log format: '%s'", cfg.LogFormat)
	}
	logger.SetFormatter(logFmt)
	hostname, _ := os.Hostname()
	return logger.WithField("node", hostname), nil
}

// New validates `cfg`, reads the config file and sets up every service.
// nothing runs until Run() is called.
func New(cfg Config) (*Daemon, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "bad endpoint address '%s'", cfg.Endpoint)
	}
	if u.Scheme != "unix" || u.Path == "" {
		return nil, fmt.Errorf("bad endpoint address '%s': must be a UDS path",
			cfg.Endpoint)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	fileCfg, err := LoadFileConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"config":           fmt.Sprintf("%+v", cfg),
		"imports":          len(fileCfg.Imports),
		"targets":          len(fileCfg.Targets),
		"version-rel":      version,
		"version-git":      versionGitCommit,
		"version-hash":     versionBuildHash,
		"version-build-id": versionBuildID,
	}).Info("starting")

	if cfg.MetricsAddr != "" {
		metrics.InitRegistry()
	}

	d := &Daemon{
		cfg:           cfg,
		sockPath:      u.Path,
		log:           log,
		fileCfg:       fileCfg,
		targets:       make(map[string]*target.Target),
		imports:       make(map[string]*ptlrpc.Import),
		importMetrics: metrics.NewImportMetrics(),
		ready:         make(chan struct{}),
	}
	d.wheel = timer.New(timer.Options{
		Log:     log,
		Metrics: metrics.NewTimerMetrics(),
	})
	d.sched = workitem.New(workitem.Options{
		Workers: fileCfg.Workers,
		Log:     log,
		Metrics: metrics.NewSchedulerMetrics(),
	})
	d.ln = lnet.New(lnet.Options{
		Log:     log,
		Metrics: metrics.NewLNetMetrics(),
	})
	d.kuc = kuc.NewRegistry(log)
	d.tgtSrv = grpclnd.NewServer(log)

	if d.lo, err = target.NewLoopback(d.ln, log); err != nil {
		d.ln.Shutdown()
		return nil, errors.Wrap(err, "failed to set up loopback network")
	}
	d.lnds = ptlrpc.NewLNDTable(log)
	d.lnds.Register(nid.LoopbackNet, d.lo.Dial)
	d.lnds.Register(grpclnd.LND, grpclnd.Dial)
	d.pool = ptlrpc.NewConnPool(d.lnds.Dial, ptlrpc.ConnPoolOptions{})

	if err := d.setupTargets(); err != nil {
		d.teardown()
		return nil, err
	}
	if err := d.setupImports(); err != nil {
		d.teardown()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) setupTargets() error {
	for _, tc := range d.fileCfg.Targets {
		tgt, err := target.New(target.Options{
			UUID:            tc.UUID,
			NotReplayable:   tc.NotReplayable,
			RecoveryTimeout: tc.RecoveryTimeout,
			Wheel:           d.wheel,
			Log:             d.log,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to set up target %s", tc.UUID)
		}
		d.targets[tc.UUID] = tgt
		d.tgtOrder = append(d.tgtOrder, tc.UUID)
		if tc.NID != "" {
			d.lo.Serve(nid.MustParse(tc.NID), tgt)
		}
		d.tgtSrv.Add(tgt)
	}
	return nil
}

func (d *Daemon) setupImports() error {
	for _, ic := range d.fileCfg.Imports {
		conns := make([]ptlrpc.ConnSpec, 0, len(ic.Conns))
		for _, c := range ic.Conns {
			conns = append(conns, ptlrpc.ConnSpec{
				UUID: c.UUID,
				NIDs: nid.MustParseCSV(c.NIDs),
			})
		}
		imp, err := ptlrpc.NewImport(ptlrpc.ImportOptions{
			Name:          ic.Name,
			TargetUUID:    ic.Target,
			ClientUUID:    ic.Client,
			Conns:         conns,
			Pool:          d.pool,
			Wheel:         d.wheel,
			Scheduler:     d.sched,
			OnStateChange: d.importStateChanged,
			ObdTimeout:    d.fileCfg.ObdTimeout,
			PingInterval:  d.fileCfg.PingInterval,
			Log:           d.log,
			Metrics:       d.importMetrics,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to set up import %s", ic.Name)
		}
		d.imports[ic.Name] = imp
		d.impOrder = append(d.impOrder, ic.Name)
	}
	return nil
}

// teardown stops every service in dependency order. it is safe to call on
// a partially set up daemon.
func (d *Daemon) teardown() {
	if !d.started {
		// imports retire through their workitems.
		d.wheel.Start()
		d.sched.Start()
	}
	for _, name := range d.impOrder {
		d.imports[name].Close()
	}
	for _, uuid := range d.tgtOrder {
		d.tgtSrv.Remove(uuid)
		d.targets[uuid].Close()
	}
	d.pool.Close()
	d.lo.Close()
	d.ln.Shutdown()
	d.sched.Shutdown()
	d.wheel.Shutdown()
}

// Ready is closed once Run() is listening on all its endpoints.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// TargetAddr returns the address local targets are served on, once Ready.
func (d *Daemon) TargetAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tgtAddr
}

func (d *Daemon) serverOpts(log *logrus.Entry, logDecider func(string, error) bool) []grpc.ServerOption {
	ctxTagOpts := []grpc_ctxtags.Option{
		grpc_ctxtags.WithFieldExtractor(grpc_ctxtags.CodeGenRequestFieldExtractor),
	}
	logrusOpts := []grpc_logrus.Option{
		grpc_logrus.WithLevels(grpcutil.ControlLevels.Level),
	}
	if logDecider != nil {
		logrusOpts = append(logrusOpts, grpc_logrus.WithDecider(logDecider))
	}

	unary := []grpc.UnaryServerInterceptor{
		grpc_ctxtags.UnaryServerInterceptor(ctxTagOpts...),
		grpc_logrus.UnaryServerInterceptor(log, logrusOpts...),
		grpcutil.RespDetailInterceptor,
	}
	stream := []grpc.StreamServerInterceptor{
		grpc_ctxtags.StreamServerInterceptor(ctxTagOpts...),
		grpc_logrus.StreamServerInterceptor(log, logrusOpts...),
		grpcutil.StreamRespDetailInterceptor,
	}
	if d.cfg.SquelchPanics {
		unary = append(unary, grpc_recovery.UnaryServerInterceptor())
		stream = append(stream, grpc_recovery.StreamServerInterceptor())
	}
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unary...)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(stream...)),
	}
}

// Run serves until `ctx` is done or one of the servers fails, then tears
// every service down. a Daemon can only be run once.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.teardown()

	// cleanup leftover socket, if any (e.g. prev instance crash).
	if err := os.Remove(d.sockPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove leftover socket file '%s'", d.sockPath)
	}
	ctlLis, err := net.Listen("unix", d.sockPath)
	if err != nil {
		return errors.Wrap(err, "failed to listen on endpoint")
	}
	defer os.Remove(d.sockPath)

	var lndLis, httpLis net.Listener
	if d.cfg.ListenAddr != "" {
		if lndLis, err = net.Listen("tcp", d.cfg.ListenAddr); err != nil {
			ctlLis.Close()
			return errors.Wrap(err, "failed to listen for target connections")
		}
	}
	if d.cfg.MetricsAddr != "" {
		if httpLis, err = net.Listen("tcp", d.cfg.MetricsAddr); err != nil {
			ctlLis.Close()
			if lndLis != nil {
				lndLis.Close()
			}
			return errors.Wrap(err, "failed to listen for metrics scrapes")
		}
	}

	d.mu.Lock()
	d.ctlSrv = grpc.NewServer(d.serverOpts(d.log.WithField("svc", "control"), nil)...)
	d.ctlSrv.RegisterService(&controlServiceDesc, d)
	if lndLis != nil {
		// requests flow through here all the time: log failures only.
		onlyErrors := func(_ string, err error) bool { return err != nil }
		d.lndSrv = grpc.NewServer(d.serverOpts(d.log.WithField("svc", "lnd"), onlyErrors)...)
		d.tgtSrv.Register(d.lndSrv)
		d.tgtAddr = lndLis.Addr().String()
	}
	if httpLis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
		d.httpSrv = &http.Server{Handler: mux}
	}
	d.mu.Unlock()

	d.started = true
	d.wheel.Start()
	d.sched.Start()
	for _, name := range d.impOrder {
		d.imports[name].Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.WithField("addr", d.sockPath).Info("control server started")
		return serveErr(d.ctlSrv.Serve(ctlLis), "control server")
	})
	if lndLis != nil {
		g.Go(func() error {
			d.log.WithField("addr", lndLis.Addr().String()).Info("target server started")
			return serveErr(d.lndSrv.Serve(lndLis), "target server")
		})
	}
	if httpLis != nil {
		g.Go(func() error {
			d.log.WithField("addr", httpLis.Addr().String()).Info("metrics server started")
			if err := d.httpSrv.Serve(httpLis); err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}
	if err := d.watchConfig(gctx, g); err != nil {
		d.log.WithError(err).Warnf("failed to watch '%s', config changes "+
			"will not be picked up", d.cfg.ConfigPath)
	}
	g.Go(func() error {
		<-gctx.Done()
		d.stopServers()
		return nil
	})
	close(d.ready)

	err = g.Wait()
	d.log.WithError(err).Info("shutting down")
	return err
}

// serveErr filters out the error of a server stopped before it got to
// serve, which happens when shutdown races start-up.
func serveErr(err error, what string) error {
	if err == nil || err == grpc.ErrServerStopped {
		return nil
	}
	return errors.Wrap(err, what)
}

func (d *Daemon) stopServers() {
	// event watchers hold their streams open until told to go.
	if err := d.kuc.Remove(0, kuc.GroupImport); err != nil {
		d.log.WithError(err).Warn("failed to drop event watchers")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctlSrv.GracefulStop()
	if d.lndSrv != nil {
		// requests held by recovering targets would keep GracefulStop()
		// waiting for as long as the recovery window.
		d.lndSrv.Stop()
	}
	if d.httpSrv != nil {
		if err := d.httpSrv.Shutdown(context.Background()); err != nil {
			d.log.WithError(err).Warn("metrics server shutdown")
		}
	}
}

// Config file reload: --------------------------------------------------------

func (d *Daemon) reloadConfig() {
	fileCfg, err := LoadFileConfig(d.cfg.ConfigPath)
	if err != nil {
		d.log.WithError(err).Error("failed to reload config, keeping the old one")
		return
	}
	timeout := fileCfg.ObdTimeout
	if timeout == 0 {
		timeout = ptlrpc.DefaultObdTimeout
	}
	for _, name := range d.impOrder {
		d.imports[name].SetTimeout(timeout)
	}
	d.log.WithField("obd-timeout", timeout).Info("config reloaded")
	if len(fileCfg.Imports) != len(d.fileCfg.Imports) ||
		len(fileCfg.Targets) != len(d.fileCfg.Targets) {
		d.log.Warn("changes to imports and targets take a restart")
	}
}

// watchConfig follows changes to the config file, including it being
// replaced through a symlink swap as k8s configmaps are.
func (d *Daemon) watchConfig(ctx context.Context, g *errgroup.Group) error {
	if d.cfg.ConfigPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.cfg.ConfigPath); err != nil {
		watcher.Close()
		return err
	}

	g.Go(func() error {
		defer watcher.Close()
		for {
			select {
			case event := <-watcher.Events:
				if event.Op == fsnotify.Remove {
					if err := watcher.Remove(event.Name); err != nil {
						d.log.WithError(err).Debug("watcher remove error")
					}
					if err := watcher.Add(d.cfg.ConfigPath); err != nil {
						d.log.WithError(err).Error("failed to re-watch config file")
					}
					d.reloadConfig()
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					d.reloadConfig()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				d.log.WithError(err).Error("watcher error")
			case <-ctx.Done():
				return nil
			}
		}
	})
	return nil
}
