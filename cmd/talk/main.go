package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/config"
	"github.com/ent0n29/pagevoice/internal/logging"
	"github.com/ent0n29/pagevoice/internal/talk"
)

type rootOptions struct {
	apiURL   string
	proxyURL string
	verbose  bool

	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
	api    *talk.APIClient
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "talk",
		Short:         "Local voice client for a pagevoice server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.closer != nil {
				_ = opts.closer.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api", "", "pagevoice HTTP base URL (default TALK_API_URL)")
	root.PersistentFlags().StringVar(&opts.proxyURL, "proxy", "", "realtime proxy websocket URL (default TALK_PROXY_URL)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newSessionCmd(opts),
		newPreloadCmd(opts),
		newGreetingCmd(opts),
		newRecordCmd(opts),
	)
	return root
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.apiURL != "" {
		cfg.TalkAPIURL = o.apiURL
	}
	if o.proxyURL != "" {
		cfg.TalkProxyURL = o.proxyURL
	}
	level := cfg.LogLevel
	if o.verbose {
		level = "debug"
	}
	logger, closer, err := logging.New(level, cfg.LogFormat, cfg.LogOutput)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	o.closer = closer
	o.api = talk.NewAPIClient(cfg.TalkAPIURL, cfg.GreetingTimeout)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "talk:", err)
		os.Exit(1)
	}
}
