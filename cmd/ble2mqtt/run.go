package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ble2mqtt/bridge"
	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/srg/ble2mqtt/internal/bluez/dbusbus"
	"github.com/srg/ble2mqtt/internal/loop"
	"github.com/srg/ble2mqtt/internal/mqtt"
	"github.com/srg/ble2mqtt/pkg/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	Long: `Connects to BlueZ on the system bus and to the configured MQTT broker, then
mirrors every reachable GATT characteristic to MQTT until SIGINT or SIGTERM.

On shutdown the MQTT client publishes "offline" on the status topic and every
adapter is powered off.

Example:
  ble2mqtt run --config /etc/ble2mqtt.yaml`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var runShutdownTimeout time.Duration

func init() {
	runCmd.Flags().DurationVar(&runShutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for adapters to power off")
}

// session owns the bus side shared by the run and tree commands.
type session struct {
	loop   *loop.Loop
	bus    *dbusbus.Bus
	client *bluez.Client
	cancel context.CancelFunc
}

// openSession starts an event loop and connects to BlueZ. The loop outlives
// ctx until close is called so shutdown work can still run on it.
func openSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*session, error) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lp := loop.New(logger)
	lp.Start(loopCtx)

	bus, err := dbusbus.Open(loopCtx, lp, logger)
	if err != nil {
		cancel()
		<-lp.Done()
		return nil, err
	}

	return &session{
		loop:   lp,
		bus:    bus,
		client: bluez.NewClient(bus, lp, logger, &bluez.ClientOptions{AdapterSettle: cfg.BLE.AdapterSettle}),
		cancel: cancel,
	}, nil
}

func (s *session) close(ctx context.Context) {
	_ = s.loop.Sync(ctx, s.client.Close)
	_ = s.bus.Close()
	s.cancel()
	<-s.loop.Done()
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), runShutdownTimeout)
		defer cancel()
		s.close(closeCtx)
	}()

	broker, err := mqtt.Connect(cfg.MQTT, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close MQTT client")
		}
	}()

	b, err := bridge.New(s.client, s.loop, broker, bridge.OptionsFromConfig(cfg, logger), func(phase string) {
		logger.WithField("phase", phase).Info("Bridge state changed")
	})
	if err != nil {
		return err
	}

	if cfg.Agent.Enabled {
		agent, err := registerAgent(ctx, s, cfg.Agent, logger)
		if err != nil {
			// Pairing is optional; devices that need no passkey still work.
			logger.WithError(err).Warn("Pairing agent unavailable")
		} else {
			defer func() { _ = agent.Unexport() }()
		}
	}

	if err := b.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Received interrupt signal, shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), runShutdownTimeout)
	defer cancel()
	if err := b.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}

// registerAgent exports the pairing agent and makes it the default one.
func registerAgent(ctx context.Context, s *session, cfg config.AgentConfig, logger *logrus.Logger) (*dbusbus.ExportedAgent, error) {
	path := bluez.ObjectPath(cfg.Path)
	agent, err := s.bus.ExportAgent(path, staticPasskey(cfg.Passkey))
	if err != nil {
		return nil, err
	}

	manager := bluez.NewAgentManager(s.bus, logger)
	registered := bluez.NewFuture[struct{}]()
	if err := s.loop.Sync(ctx, func() {
		manager.Register(path, dbusbus.AgentCapability).Then(func(_ struct{}, err error) {
			if err != nil {
				registered.Complete(struct{}{}, err)
				return
			}
			manager.RequestDefault(path).Then(func(_ struct{}, err error) {
				registered.Complete(struct{}{}, err)
			})
		})
	}); err != nil {
		_ = agent.Unexport()
		return nil, err
	}

	if _, err := registered.Wait(ctx); err != nil {
		_ = agent.Unexport()
		return nil, err
	}
	logger.WithField("agent", path).Info("Pairing agent registered")
	return agent, nil
}

// staticPasskey answers every passkey request with passkey, or refuses when
// none is configured.
func staticPasskey(passkey *uint32) dbusbus.PasskeyFunc {
	return func(bluez.ObjectPath) (uint32, bool) {
		if passkey == nil {
			return 0, false
		}
		return *passkey, true
	}
}
