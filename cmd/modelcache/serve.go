package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prethora/modelcache"
	"github.com/prethora/modelcache/internal/api"
)

func serveCmd(cfg modelcache.Config, s settings, logger modelcache.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the model cache over HTTP",
		Long:  "Run an HTTP JSON API for listing, downloading, removing and selecting models.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := modelcache.NewCache(cfg, modelcache.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to open model cache: %w", err)
			}
			defer c.Close()

			srv := api.NewServer(api.Config{
				Addr:         s.Addr,
				Environment:  s.Environment,
				AllowOrigins: s.AllowOrigins,
			}, c, logger)

			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()

			select {
			case err := <-errc:
				return err
			case <-cmd.Context().Done():
				if err := srv.Stop(context.Background()); err != nil {
					return err
				}
				return <-errc
			}
		},
	}

	cmd.Flags().StringVar(&s.Addr, "addr", s.Addr, "Listen address")
	return cmd
}
