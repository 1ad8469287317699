package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ordermesh/edgesync"
	"github.com/ordermesh/edgesync/internal/config"
	"github.com/ordermesh/edgesync/pkg/mesh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCoordinatorCmd() *cobra.Command {
	var (
		flagListen        string
		flagMeshID        string
		flagStaleAfter    time.Duration
		flagEvictAfter    time.Duration
		flagSweepInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the on-site mesh coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen := config.Pick(flagListen, fileCfg.Mesh.Listen, config.String(edgesync.EnvMeshListenAddr, ":8787"))
			coord := mesh.NewCoordinator(mesh.CoordinatorConfig{
				MeshID: flagMeshID,
				StaleAfter: pickDuration(flagStaleAfter, fileCfg.Mesh.StaleAfter.Duration(0),
					config.Duration(edgesync.EnvMeshStaleAfter, mesh.DefaultStaleAfter)),
				EvictAfter: pickDuration(flagEvictAfter, fileCfg.Mesh.EvictAfter.Duration(0),
					config.Duration(edgesync.EnvMeshEvictAfter, mesh.DefaultEvictAfter)),
				SweepInterval: pickDuration(flagSweepInterval, fileCfg.Mesh.SweepInterval.Duration(0),
					config.Duration(edgesync.EnvMeshSweepInterval, mesh.DefaultSweepInterval)),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              listen,
				Handler:           mesh.NewRouter(coord),
				ReadHeaderTimeout: 10 * time.Second,
			}
			group := edgesync.NewSafeGroup(ctx)
			group.GoSafe("mesh-coordinator", coord.Run)
			group.GoSafe("mesh-http", func(ctx context.Context) error {
				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()
				log.Info().Str("listen", listen).Str("mesh_id", coord.MeshID()).Msg("mesh coordinator listening")
				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return errors.Wrapf(err, "listen %s", listen)
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				}
			})
			err := group.WaitOrInterrupt(10 * time.Second)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (default from MESH_LISTEN_ADDR or :8787)")
	cmd.Flags().StringVar(&flagMeshID, "mesh-id", "", "Mesh id announced to devices (random per start when empty)")
	cmd.Flags().DurationVar(&flagStaleAfter, "stale-after", 0, "Heartbeat silence before a device is marked stale (default 30s)")
	cmd.Flags().DurationVar(&flagEvictAfter, "evict-after", 0, "Heartbeat silence before a device is disconnected (default 90s)")
	cmd.Flags().DurationVar(&flagSweepInterval, "sweep-interval", 0, "Liveness sweep period (default 10s)")
	return cmd
}
