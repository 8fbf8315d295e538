package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	redisAddr string
	jsonOut   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ereportctl",
		Short:         "Operate e-reporting flows and their background jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.redisAddr, "redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "Redis address of the job queue")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print machine readable output")

	cmd.AddCommand(newWindowCmd(opts))
	cmd.AddCommand(newJobsCmd(opts, nil))
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
