package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ordermesh/edgesync"
	"github.com/ordermesh/edgesync/internal/config"
	"github.com/ordermesh/edgesync/pkg/mesh"
	"github.com/ordermesh/edgesync/pkg/offlinequeue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type agentOptions struct {
	serverURL  string
	healthURL  string
	meshURL    string
	deviceID   string
	deviceName string
	deviceType string
	onMains    bool
	battery    float64
	batch      int
	delay      time.Duration
	interval   time.Duration
	maxRetries int
	mqttBroker string
	mqttTopic  string
}

func newAgentCmd() *cobra.Command {
	var opts agentOptions

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device agent: drain the offline queue and join the local mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolveAgentOptions(&opts)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.serverURL, "server-url", "", "Central server base URL (default from EDGESYNC_SERVER_URL)")
	cmd.Flags().StringVar(&opts.healthURL, "health-url", "", "Connectivity probe URL (default from EDGESYNC_HEALTH_URL or <server-url>/healthz)")
	cmd.Flags().StringVar(&opts.meshURL, "mesh-url", "", "Mesh coordinator websocket URL (default from EDGESYNC_MESH_URL; empty disables the mesh)")
	cmd.Flags().StringVar(&opts.deviceID, "device-id", "", "Device id (default from EDGESYNC_DEVICE_ID or derived from the machine id)")
	cmd.Flags().StringVar(&opts.deviceName, "device-name", "", "Human readable device name")
	cmd.Flags().StringVar(&opts.deviceType, "device-type", "", "Device role: terminal, kds-screen, printer, gateway")
	cmd.Flags().BoolVar(&opts.onMains, "on-mains", true, "Device runs on mains power")
	cmd.Flags().Float64Var(&opts.battery, "battery", 100, "Battery percentage used for the hub score when not on mains")
	cmd.Flags().IntVar(&opts.batch, "batch", 0, "Operations sent concurrently per drain batch (default 10)")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "Pause between drain batches (default 500ms)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Connectivity probe and drain period (default 30s)")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "Default retry budget per operation (default 5)")
	return cmd
}

func resolveAgentOptions(opts *agentOptions) {
	opts.serverURL = config.Pick(opts.serverURL, fileCfg.Server.URL, config.String(edgesync.EnvServerURL, ""))
	opts.healthURL = config.Pick(opts.healthURL, fileCfg.Server.HealthURL, config.String(edgesync.EnvHealthURL, ""))
	if opts.healthURL == "" && opts.serverURL != "" {
		opts.healthURL = strings.TrimRight(opts.serverURL, "/") + "/healthz"
	}
	opts.meshURL = config.Pick(opts.meshURL, fileCfg.Mesh.URL, config.String(edgesync.EnvMeshURL, ""))
	opts.deviceID = config.Pick(opts.deviceID, fileCfg.Device.ID, config.String(edgesync.EnvDeviceID, ""))
	if opts.deviceID == "" {
		opts.deviceID = edgesync.DefaultDeviceID()
	}
	opts.deviceName = config.Pick(opts.deviceName, fileCfg.Device.Name, config.String(edgesync.EnvDeviceName, opts.deviceID))
	opts.deviceType = config.Pick(opts.deviceType, fileCfg.Device.Type, config.String(edgesync.EnvDeviceType, "terminal"))
	opts.batch = config.PickInt(opts.batch, fileCfg.Drain.BatchSize, config.Int(edgesync.EnvDrainBatch, 0))
	opts.delay = pickDuration(opts.delay, fileCfg.Drain.Delay.Duration(0), config.Duration(edgesync.EnvDrainDelay, 0))
	opts.interval = pickDuration(opts.interval, fileCfg.Drain.Interval.Duration(0), config.Duration(edgesync.EnvDrainInterval, 0))
	opts.maxRetries = config.PickInt(opts.maxRetries, fileCfg.Drain.MaxRetries, config.Int(edgesync.EnvMaxRetries, 0))
	opts.mqttBroker = config.Pick(fileCfg.MQTT.Broker, config.String(edgesync.EnvMQTTBroker, ""))
	opts.mqttTopic = config.Pick(fileCfg.MQTT.Topic, config.String(edgesync.EnvMQTTTopic, ""))
}

func runAgent(ctx context.Context, opts agentOptions) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var sink offlinequeue.AbandonedSink
	if opts.mqttBroker != "" {
		mqttSink, err := offlinequeue.NewMQTTSink(offlinequeue.MQTTOptions{
			BrokerURL: opts.mqttBroker,
			ClientID:  "edgesync-" + opts.deviceID,
			Topic:     opts.mqttTopic,
		})
		if err != nil {
			// The log sink still records abandoned operations.
			log.Warn().Err(err).Str("broker", opts.mqttBroker).Msg("mqtt sink unavailable")
		} else {
			defer mqttSink.Close()
			sink = mqttSink
		}
	}

	queue, err := offlinequeue.New(offlinequeue.Config{
		Store:             store,
		Sink:              sink,
		DefaultMaxRetries: opts.maxRetries,
	})
	if err != nil {
		return err
	}
	runner, err := offlinequeue.NewRunner(offlinequeue.RunnerConfig{
		Queue:           queue,
		HealthURL:       opts.healthURL,
		Interval:        opts.interval,
		BatchSize:       opts.batch,
		InterBatchDelay: opts.delay,
	})
	if err != nil {
		return err
	}
	client, err := edgesync.NewClient(edgesync.ClientConfig{
		ServerURL: opts.serverURL,
		Queue:     queue,
		Reporter:  runner,
		DeviceID:  opts.deviceID,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("device_id", opts.deviceID).
		Str("device_type", opts.deviceType).
		Str("server_url", opts.serverURL).
		Str("mesh_url", opts.meshURL).
		Str("db_path", store.Path()).
		Msg("starting edgesync agent")

	group := edgesync.NewSafeGroup(ctx)
	group.GoSafe("queue-runner", runner.Run)
	if opts.meshURL != "" {
		group.GoSafe("mesh-session", func(ctx context.Context) error {
			return runMeshSession(ctx, opts, client)
		})
	} else {
		log.Info().Msg("no mesh url configured, running queue-only")
	}
	err = group.WaitOrInterrupt(10 * time.Second)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runMeshSession keeps the device joined to the mesh, redialing with backoff.
// An unreachable coordinator never stops the agent.
func runMeshSession(ctx context.Context, opts agentOptions, client *edgesync.Client) error {
	started := time.Now()
	score := func() float64 {
		return mesh.Score(mesh.ScoreInputs{
			DeviceType: opts.deviceType,
			OnMains:    opts.onMains,
			BatteryPct: opts.battery,
			Uptime:     time.Since(started),
		})
	}
	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		mc, err := mesh.Dial(ctx, opts.meshURL, mesh.Identity{
			DeviceID:   opts.deviceID,
			DeviceName: opts.deviceName,
			DeviceType: opts.deviceType,
		}, mesh.ClientOptions{
			Score:     score,
			OnCommand: client.HandleReplicated,
		})
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("mesh unavailable, continuing without it")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		client.SetMesh(mc)

		select {
		case <-ctx.Done():
			client.SetMesh(nil)
			_ = mc.Close()
			return nil
		case <-mc.Done():
			client.SetMesh(nil)
			_ = mc.Close()
			log.Warn().Str("device_id", opts.deviceID).Msg("mesh connection lost, redialing")
		}
	}
}
