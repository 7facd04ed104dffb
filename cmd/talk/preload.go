package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/preload"
)

func newPreloadCmd(opts *rootOptions) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "preload <content-id>",
		Short: "Warm the greeting audio and session credential for a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := opts.api.Preload(ctx, args[0])
			if err != nil {
				return err
			}
			var out any = res
			if wait {
				ctx, cancel := contextWithTimeout(ctx, timeout)
				defer cancel()
				var st preload.Status
				st, err = opts.api.WaitPreload(ctx, args[0], 250*time.Millisecond)
				if err != nil {
					return err
				}
				out = st
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until both artifacts settle")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "maximum wait with --wait")
	return cmd
}
