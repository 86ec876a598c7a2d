package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/traffic-vision/client/internal/endpoint"
	"github.com/hubenschmidt/traffic-vision/client/internal/upload"
)

var downloadOutput string

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List processed videos held by the analysis service",
	Args:  cobra.NoArgs,
	RunE:  runResults,
}

var downloadCmd = &cobra.Command{
	Use:   "download <processed-video>",
	Short: "Download a processed video",
	Long: `Download fetches an annotated video produced by the analysis service. The name
is the processed_video value printed by upload or listed by results.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "output file (default: the video's name)")
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(downloadCmd)
}

func uploadClient() (*upload.Client, error) {
	eps, err := endpoint.Resolve(cfg.PageScheme, cfg.Host, cfg.APIPath, cfg.ChannelPath)
	if err != nil {
		return nil, err
	}
	return upload.NewClient(eps.API, upload.NewPooledHTTPClient(1, cfg.UploadTimeout)), nil
}

func runResults(cmd *cobra.Command, args []string) error {
	c, err := uploadClient()
	if err != nil {
		return err
	}
	results, err := c.Results(cmd.Context())
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILENAME\tCREATED")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\n", r.Filename, r.Created.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func runDownload(cmd *cobra.Command, args []string) error {
	name := args[0]
	out := downloadOutput
	if out == "" {
		out = name
	}

	c, err := uploadClient()
	if err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	n, err := c.Download(cmd.Context(), name, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(out)
		return err
	}
	slog.Info("processed video downloaded", "filename", name, "path", out, "bytes", n)
	return nil
}
