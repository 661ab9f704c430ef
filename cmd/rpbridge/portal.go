package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raphi011/rpbridge/internal/portaltest"
	"github.com/spf13/cobra"
)

var portalOpts struct {
	addr    string
	project string
	apiKey  string
}

var portalCmd = &cobra.Command{
	Use:   "portal",
	Short: "Serve an in-memory reporting service for local runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := slog.New(slog.NewTextHandler(os.Stderr, nil))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/", portaltest.New(portalOpts.project, portalOpts.apiKey, log))

		log.Info("serving reporting service", "addr", portalOpts.addr, "project", portalOpts.project)

		return http.ListenAndServe(portalOpts.addr, mux)
	},
}

func init() {
	flags := portalCmd.Flags()

	flags.StringVar(&portalOpts.addr, "addr", "localhost:8080", "listen address")
	flags.StringVar(&portalOpts.project, "project", "default_personal", "project name")
	flags.StringVar(&portalOpts.apiKey, "api-key", "", "api key, empty accepts every request")

	rootCmd.AddCommand(portalCmd)
}
