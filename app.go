package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	limiterCleanupInterval = time.Minute
	limiterMaxIdle         = 10 * time.Minute
)

// relayModule is the whole dependency graph: one registry, one correlation
// table and one dispatcher shared by the HTTP surface and the worker socket.
func relayModule(cfg *Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.Provide(
			func() clock.Clock { return clock.New() },
			provideRegistry,
			newCorrelationTable,
			provideActivityLog,
			provideDispatcher,
			newMetricsRegistry,
			newServer,
		),
		fx.Invoke(registerLifecycle),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			fl := &fxevent.ZapLogger{Logger: l.Named("fx")}
			fl.UseLogLevel(zap.DebugLevel)
			return fl
		}),
	)
}

func provideRegistry(cfg *Config, clk clock.Clock) *Registry {
	return newRegistry(clk, cfg.Relay.maxWorkersOrDefault(), cfg.Worker.inactivityThresholdOrDefault())
}

func provideActivityLog(cfg *Config) *activityLog {
	return newActivityLog(cfg.Activity.sizeOrDefault())
}

func provideDispatcher(cfg *Config, reg *Registry, table *CorrelationTable, clk clock.Clock, activity *activityLog) *Dispatcher {
	settings := RelaySettings{
		Policy:  cfg.Relay.policyOrDefault(),
		Timeout: cfg.Relay.timeoutOrDefault(),
	}
	return newDispatcher(reg, table, clk, settings, cfg.Relay.MaxQueue, activity)
}

type lifecycleParams struct {
	fx.In

	LC         fx.Lifecycle
	Cfg        *Config
	Server     *Server
	Registry   *Registry
	Dispatcher *Dispatcher
}

// registerLifecycle starts the listener and background loops on start, and
// on stop disconnects workers before draining HTTP so that handlers blocked
// on a job are released.
func registerLifecycle(p lifecycleParams) {
	httpSrv := &http.Server{
		Handler:           p.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	var bg sync.WaitGroup

	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", p.Cfg.ListenAddr)
			if err != nil {
				cancel()
				return fmt.Errorf("listen %s: %w", p.Cfg.ListenAddr, err)
			}
			p.Server.setAddr(ln.Addr().String())
			logInfo("chatrelay listening", "addr", ln.Addr().String(),
				"policy", p.Cfg.Relay.policyOrDefault(),
				"timeout", p.Cfg.Relay.timeoutOrDefault().String(),
				"workerPath", p.Cfg.Worker.pathOrDefault())

			bg.Add(1)
			go func() {
				defer bg.Done()
				if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
					logError("http server stopped", "error", err)
				}
			}()

			bg.Add(1)
			go func() {
				defer bg.Done()
				p.Registry.runSweeper(bgCtx, p.Cfg.Worker.heartbeatIntervalOrDefault())
			}()

			if p.Server.limiter != nil {
				bg.Add(1)
				go func() {
					defer bg.Done()
					ticker := time.NewTicker(limiterCleanupInterval)
					defer ticker.Stop()
					for {
						select {
						case <-bgCtx.Done():
							return
						case <-ticker.C:
							p.Server.limiter.cleanup(limiterMaxIdle)
						}
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logInfo("chatrelay shutting down")
			cancel()
			err := multierr.Combine(
				p.Dispatcher.Shutdown(ctx),
				httpSrv.Shutdown(ctx),
			)
			bg.Wait()
			return err
		},
	})
}
