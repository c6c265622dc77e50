package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	adhoc "DnnBridge/Adhoc"
	"DnnBridge/bridge"
	"DnnBridge/config"
	rpc "DnnBridge/gRPC"
	"DnnBridge/httpapi"
	"DnnBridge/logger"
	"DnnBridge/modelfetch"
	"DnnBridge/monitor"
	"DnnBridge/service"
	"DnnBridge/worker"
)

func main() {
	app := &cli.App{
		Name:  "DnnBridge",
		Usage: "serve OpenCV DNN inference over gRPC and HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "development logging, overrides logMode",
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "inference backend, overrides the config file",
				EnvVars: []string{bridge.BackendEnv},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func banner(cfg config.Config, cpus int) {
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", cpus)
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println("Configured Workers Num:", cfg.WorkersNum)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.WorkersNum > cpus {
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Please noted that workersNum exceeds CPU cores, which may lead to performance degradation.")
		fmt.Println(strings.Repeat("!", 64))
	}
	fmt.Println("")
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.Bool("dev") {
		cfg.LogMode = logger.ModeDevelopment
	}
	if c.IsSet("backend") {
		cfg.Backend = c.String("backend")
	}
	if err := logger.Init(cfg.LogMode); err != nil {
		return errors.Wrap(err, "init logger")
	}
	defer logger.Sync()
	log := logger.Named("main")

	cpus := runtime.NumCPU()
	runtime.GOMAXPROCS(cpus)
	banner(cfg, cpus)

	backend := cfg.Backend
	if backend == "" {
		backend = bridge.DefaultBackend()
	}
	mon := monitor.New(logger.Log())
	b := bridge.New(
		bridge.WithBackend(backend),
		bridge.WithLogger(logger.Log()),
		bridge.WithForwardObserver(mon.ObserveForward),
	)
	pool := worker.New(cfg.WorkersNum, logger.Log())
	mgr := service.NewManager(service.Options{
		Bridge:   b,
		Pool:     pool,
		Fetcher:  modelfetch.New(filepath.Join(cfg.ModelDir, "cache"), logger.Log(), cfg.ModelDir),
		Defaults: cfg.Network,
		Timeout:  cfg.InferTimeout(),
		Logger:   logger.Log(),
	})
	mon.WatchBridge(b.Stats)
	mon.WatchWorkers(pool.Busy)
	log.Info("bridge ready", zap.String("backend", backend), zap.Int("workers", pool.Size()))

	shutdown := func() {
		mgr.Close()
		pool.Close()
		if err := b.Close(); err != nil {
			log.Warn("bridge close", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Network.Preload {
		loadCtx, loadCancel := context.WithTimeout(ctx, 2*time.Minute)
		n, err := mgr.LoadShared(loadCtx, cfg.Network.Cfg, cfg.Network.Weights)
		loadCancel()
		if err != nil {
			shutdown()
			return errors.Wrap(err, "preload network")
		}
		log.Info("shared network loaded", zap.String("id", n.ID), zap.Strings("outputs", n.Outputs))
	}

	rpcSrv := rpc.NewServer(mgr, mon, logger.Log())
	gs, err := rpcSrv.Start(cfg.RPCPort)
	if err != nil {
		shutdown()
		return err
	}
	httpSrv := httpapi.New(httpapi.Options{
		Manager:  mgr,
		Monitor:  mon,
		ModelDir: cfg.ModelDir,
		Logger:   logger.Log(),
	}).Start(cfg.HTTPPort)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Serve(ctx, cfg.MetricsPort); err != nil {
			log.Error("metrics", zap.Error(err))
		}
	}()

	if cfg.UseRegServer {
		ip, err := adhoc.OutboundIP()
		if err != nil {
			log.Warn("Failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			hb := adhoc.NewHeartbeat(cfg.RegServerHost, cfg.RegServerPort, ip, cfg.RPCPort,
				adhoc.InstanceClass(cfg.InstanceClass), logger.Log())
			hb.Backend = backend
			hb.Networks = func() int { return len(mgr.List()) }
			wg.Add(1)
			go hb.Run(ctx, &wg)
		}
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case s := <-sig:
		log.Info("signal received", zap.String("signal", s.String()))
	case <-rpcSrv.Done():
		log.Info("shutdown requested over gRPC")
	}

	cancel()
	gs.GracefulStop()
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpSrv.Shutdown(httpCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	httpCancel()
	wg.Wait()
	shutdown()
	log.Info("Safely exited")
	return nil
}
