package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/s3upload/internal/server"
)

type options struct {
	server   string
	grpcAddr string
	apiKey   string
	timeout  time.Duration
	quiet    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "s3upload-client",
		Short:         "Upload, inspect, replace and delete attachments",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("S3UPLOAD_CLIENT_SERVER", "http://localhost:8080"), "attachment API base URL")
	flags.StringVar(&opts.grpcAddr, "grpc", envOr("S3UPLOAD_CLIENT_GRPC", "localhost:50051"), "gRPC health address")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("S3UPLOAD_CLIENT_API_KEY"), "API key sent as X-API-Key")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress upload progress")

	root.AddCommand(
		newUploadCommand(opts),
		newGetCommand(opts),
		newReplaceCommand(opts),
		newDeleteCommand(opts),
		newHealthCommand(opts),
	)
	return root
}

func (o *options) client(cmd *cobra.Command) *FileClient {
	fc := NewFileClient(o.server, o.apiKey, o.timeout)
	if !o.quiet {
		fc.progress = cmd.ErrOrStderr()
	}
	return fc
}

func newUploadCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file as a new attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := opts.client(cmd).UploadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an attachment record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := opts.client(cmd).GetAttachment(cmd.Context(), args[0])
			if isNotFound(err) {
				return fmt.Errorf("attachment %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newReplaceCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replace <id> <file>",
		Short: "Replace the file behind an attachment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := opts.client(cmd).ReplaceFile(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an attachment and its stored object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client(cmd).DeleteAttachment(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report object store health from the gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := CheckHealth(ctx, opts.grpcAddr, server.StorageHealthService)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
