package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/playback"
	"github.com/ent0n29/pagevoice/internal/talk"
)

func newSessionCmd(opts *rootOptions) *cobra.Command {
	var (
		credential string
		model      string
		negotiate  bool
		retries    int
	)
	cmd := &cobra.Command{
		Use:   "session <content-id>",
		Short: "Hold a live voice conversation about a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			contentID := args[0]

			format := audio.RealtimeFormat
			sink, err := playback.NewOtoSink(format, 0)
			if err != nil {
				return err
			}
			defer sink.Close()

			sched := playback.New(playback.Config{
				Format: format,
				LeadIn: opts.cfg.PlaybackLead,
				MinGap: opts.cfg.PlaybackGap,
			}, playback.NewMonotonicClock(), sink, opts.logger)
			playCtx, cancelPlay := context.WithCancel(ctx)
			defer cancelPlay()
			go func() { _ = sched.Run(playCtx) }()

			out := cmd.OutOrStdout()
			policy := talk.RetryPolicy{Attempts: retries + 1, Base: 500 * time.Millisecond, Max: 8 * time.Second}
			err = policy.Do(ctx, opts.logger, func(ctx context.Context) error {
				cred, mdl := credential, model
				if negotiate && cred == "" {
					got, err := opts.api.TalkSession(ctx, contentID)
					if err != nil {
						return fmt.Errorf("talk session: %w", err)
					}
					cred, mdl = got.Value, got.Model
				}

				// A capture pipeline cannot be restarted once stopped.
				mic := capture.NewPipeline(capture.Config{
					Format:      format,
					QueueFrames: opts.cfg.CaptureFrames,
				}, capture.NewMalgoDevice(format), opts.logger)
				sched.Reset()

				client := talk.New(talk.Config{
					URL:        opts.cfg.TalkProxyURL,
					ContentID:  contentID,
					Credential: cred,
					Model:      mdl,
				}, mic, sched,
					talk.WithLogger(opts.logger),
					talk.OnTranscript(func(text string) { fmt.Fprintln(out, "assistant:", text) }),
				)
				fmt.Fprintf(out, "connecting to %s for %q, ctrl-c to stop\n", opts.cfg.TalkProxyURL, contentID)
				return client.Run(ctx)
			})
			st := sched.Stats()
			opts.logger.Debug("playback finished", "scheduled", st.Scheduled, "dropped", st.Dropped)
			return err
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "upstream credential; the proxy negotiates one when empty")
	cmd.Flags().StringVar(&model, "model", "", "realtime model override")
	cmd.Flags().BoolVar(&negotiate, "negotiate", false, "fetch the credential from /v1/talk-session before connecting")
	cmd.Flags().IntVar(&retries, "retries", 0, "reconnect attempts after a transient failure")
	return cmd
}
