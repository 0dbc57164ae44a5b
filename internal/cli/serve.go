package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/handlers"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
)

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides SSHMGR_LISTEN_ADDR)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API until SIGINT or SIGTERM.

SIGHUP reloads the inventory file. Connections to servers whose profile
changed are kept until they are released or drop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.Component("serve")
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()
		if err := f.Start(); err != nil {
			return err
		}
		handlers.Fleet = f

		addr := config.Cfg.ListenAddr
		if serveListen != "" {
			addr = serveListen
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Handler:           handlers.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-hup:
					if err := f.Inventory.Reload(); err != nil {
						log.Error().Err(err).Msg("inventory reload failed")
						continue
					}
					log.Info().Int("servers", len(f.Inventory.Names())).Msg("inventory reloaded")
				case <-sigCtx.Done():
					return
				}
			}
		}()

		errc := make(chan error, 1)
		go func() {
			log.Info().Str("addr", ln.Addr().String()).Msg("server starting")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		select {
		case <-sigCtx.Done():
		case err := <-errc:
			return err
		}
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("fleet shutdown")
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("server stopped")
		return nil
	},
}
