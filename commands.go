package modelcache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

// DefaultServerAddr is the address the cancel command contacts when no
// --server flag is given.
const DefaultServerAddr = "http://127.0.0.1:8080"

// NewCommand creates a Cobra command tree for model management.
// The returned command should be added to a parent CLI's root command.
//
// Commands provided:
//   - models list
//   - models pull <key> [--url URL] [--label NAME]
//   - models remove <key> [--yes]
//   - models use <key>
//   - models active
//   - models info <key>
//   - models export [key] [--output FILE]
//   - models cancel [--server URL]
//
// Global flags: --json, --quiet, --verbose
func NewCommand(cfg Config, opts ...Option) *cobra.Command {
	var (
		jsonOutput bool
		quiet      bool
		verbose    bool
	)

	// Cache will be created in PersistentPreRunE
	var c Cache
	closeCache := func() error {
		if c == nil {
			return nil
		}
		err := c.Close()
		c = nil
		return err
	}

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage downloadable models",
		Long:  "Download, remove, and select optional model assets kept in the local cache.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip cache creation for commands that don't need local storage
			switch cmd.Name() {
			case "help", "completion", "cancel":
				return nil
			}

			cacheOpts := opts
			if verbose {
				cacheOpts = append(cacheOpts[:len(cacheOpts):len(cacheOpts)], WithLogger(newConsoleLogger(cmd.ErrOrStderr())))
			}

			var err error
			c, err = NewCache(cfg, cacheOpts...)
			if err != nil {
				return fmt.Errorf("failed to open model cache: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeCache()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	// Add subcommands
	cmd.AddCommand(listCmd(&c, &jsonOutput))
	cmd.AddCommand(pullCmd(&c, &jsonOutput, &quiet))
	cmd.AddCommand(removeCmd(&c, &quiet))
	cmd.AddCommand(useCmd(&c, &quiet))
	cmd.AddCommand(activeCmd(&c, &jsonOutput))
	cmd.AddCommand(infoCmd(&c, &jsonOutput))
	cmd.AddCommand(exportCmd(&c, &quiet))
	cmd.AddCommand(cancelCmd(&quiet))

	// Cobra skips PersistentPostRunE when RunE fails, so failing
	// subcommands release the cache themselves.
	for _, sub := range cmd.Commands() {
		run := sub.RunE
		if run == nil {
			continue
		}
		sub.RunE = func(cmd *cobra.Command, args []string) error {
			if err := run(cmd, args); err != nil {
				return errors.Join(err, closeCache())
			}
			return nil
		}
	}

	return cmd
}

// modelEntry is the JSON form of an annotated catalog entry.
type modelEntry struct {
	Key         AssetKey       `json:"key"`
	Name        string         `json:"name"`
	Size        string         `json:"size,omitempty"`
	Description string         `json:"description,omitempty"`
	Stored      bool           `json:"stored"`
	Active      bool           `json:"active"`
	Status      DownloadStatus `json:"status"`
	Percent     int            `json:"percent"`
	Error       string         `json:"error,omitempty"`
}

func newModelEntry(m AnnotatedModel) modelEntry {
	e := modelEntry{
		Key:         m.Descriptor.Key,
		Name:        m.Descriptor.DisplayName,
		Size:        m.Descriptor.AdvertisedSize,
		Description: m.Descriptor.Description,
		Stored:      m.Stored,
		Active:      m.Active,
		Status:      m.State.Status,
		Percent:     m.State.Percent,
	}
	if m.State.Err != nil {
		e.Error = m.State.Err.Error()
	}
	return e
}

// assetInfo is the JSON form of a stored asset without its bytes.
type assetInfo struct {
	Key       AssetKey  `json:"key"`
	Label     string    `json:"label,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

func listCmd(c *Cache, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List models",
		Long:  "List catalog models with their download and selection status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := (*c).List(cmd.Context())
			if err != nil {
				return err
			}
			return outputModels(cmd.OutOrStdout(), models, *jsonOutput)
		},
	}
}

func pullCmd(c *Cache, jsonOutput, quiet *bool) *cobra.Command {
	var (
		url   string
		label string
	)

	cmd := &cobra.Command{
		Use:   "pull <key>",
		Short: "Download a model",
		Long:  "Download a model into the local cache, replacing any stored copy.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := AssetKey(args[0])

			var opts []DownloadOption
			if url != "" {
				opts = append(opts, WithSourceURL(url))
			}
			if label != "" {
				opts = append(opts, WithLabel(label))
			}

			showBar := !*quiet && !*jsonOutput
			var (
				p   *mpb.Progress
				bar *mpb.Bar
			)
			if showBar {
				p = mpb.NewWithContext(ctx, mpb.WithOutput(cmd.OutOrStdout()), mpb.WithWidth(40))
				bar = p.AddBar(100,
					mpb.PrependDecorators(
						decor.Name(string(key)+" ", decor.WCSyncSpaceR),
						decor.Percentage(decor.WCSyncSpace),
					),
					mpb.AppendDecorators(
						decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace),
					),
				)
				opts = append(opts, WithProgress(func(pr Progress) {
					bar.SetCurrent(int64(pr.Percent))
				}))
			}

			err := (*c).Download(ctx, key, opts...)
			if showBar {
				if err != nil {
					bar.Abort(false)
				} else {
					bar.SetCurrent(100)
				}
				p.Wait()
			}
			if err != nil {
				return err
			}

			if *jsonOutput {
				return outputAssetInfo(ctx, cmd.OutOrStdout(), *c, key)
			}
			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s\n", key)
				if (*c).Active() == key {
					fmt.Fprintf(cmd.OutOrStdout(), "Active model: %s\n", key)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Download from this URL instead of the catalog source")
	cmd.Flags().StringVar(&label, "label", "", "Label to store with the model")
	return cmd
}

func removeCmd(c *Cache, quiet *bool) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a downloaded model",
		Long:  "Remove a model from the local cache. If it was active, the next downloaded model becomes active.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := AssetKey(args[0])

			// Confirmation prompt
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Remove %s? [y/N]: ", key)
				if !confirmPrompt(cmd.InOrStdin()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			wasActive := (*c).Active() == key
			if err := (*c).Delete(ctx, key); err != nil {
				return err
			}

			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", key)
				if wasActive {
					if active := (*c).Active(); active != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "Active model: %s\n", active)
					} else {
						fmt.Fprintln(cmd.OutOrStdout(), "No active model")
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func useCmd(c *Cache, quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "use <key>",
		Short: "Select the active model",
		Long:  "Make a downloaded model the active one.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := AssetKey(args[0])
			if err := (*c).SetActive(cmd.Context(), key); err != nil {
				return err
			}
			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Active model: %s\n", key)
			}
			return nil
		},
	}
}

func activeCmd(c *Cache, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Print the active model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := (*c).Active()
			if *jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]AssetKey{"active": key})
			}
			if key == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No active model")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func infoCmd(c *Cache, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info <key>",
		Short: "Show model information",
		Long:  "Show catalog and local information about a model.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := AssetKey(args[0])
			w := cmd.OutOrStdout()

			desc, known := (*c).Catalog().Lookup(key)
			asset, err := (*c).Get(ctx, key)
			stored := err == nil
			if err != nil && !errors.Is(err, ErrNotStored) {
				return err
			}
			if !known && !stored {
				return fmt.Errorf("%s: %w", key, ErrUnknownModel)
			}

			if *jsonOutput {
				out := struct {
					modelEntry
					Stored *assetInfo `json:"stored_asset,omitempty"`
				}{}
				desc.Key = key
				models, err := (*c).ListAnnotated(ctx, Catalog{desc})
				if err != nil {
					return err
				}
				out.modelEntry = newModelEntry(models[0])
				if stored {
					out.Stored = &assetInfo{Key: key, Label: asset.Label, Size: asset.Size, CreatedAt: asset.CreatedAt, Active: (*c).Active() == key}
				}
				return writeJSON(w, out)
			}

			fmt.Fprintf(w, "Model:        %s\n", key)
			if known {
				fmt.Fprintf(w, "Name:         %s\n", desc.DisplayName)
				if desc.AdvertisedSize != "" {
					fmt.Fprintf(w, "Advertised:   %s\n", desc.AdvertisedSize)
				}
				if desc.Description != "" {
					fmt.Fprintf(w, "Description:  %s\n", desc.Description)
				}
				if desc.SourceURL != "" {
					fmt.Fprintf(w, "Source:       %s\n", desc.SourceURL)
				}
			}
			if !stored {
				fmt.Fprintln(w, "Stored:       no")
				return nil
			}
			fmt.Fprintln(w, "Stored:       yes")
			if asset.Label != "" {
				fmt.Fprintf(w, "Label:        %s\n", asset.Label)
			}
			fmt.Fprintf(w, "Size:         %s\n", formatSize(asset.Size))
			fmt.Fprintf(w, "Downloaded:   %s (%s)\n", asset.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(asset.CreatedAt))
			fmt.Fprintf(w, "Active:       %t\n", (*c).Active() == key)
			return nil
		},
	}
}

func exportCmd(c *Cache, quiet *bool) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export [key]",
		Short: "Write a stored model to a file",
		Long:  "Write the bytes of a stored model (the active one by default) to a file or standard output.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var (
				asset StoredAsset
				err   error
			)
			if len(args) == 1 {
				asset, err = (*c).Get(ctx, AssetKey(args[0]))
			} else {
				asset, err = (*c).LoadActive(ctx)
			}
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(asset.Bytes)
				return err
			}

			if err := os.WriteFile(output, asset.Bytes, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", output, err)
			}
			if !*quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%s) to %s\n", asset.Key, formatSize(asset.Size), output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: standard output)")
	return cmd
}

func cancelCmd(quiet *bool) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the download running in a model server",
		Long:  "Ask a running model server to abort its in-flight download.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			canceled, err := requestCancel(cmd.Context(), http.DefaultClient, server)
			if err != nil {
				return err
			}
			if !*quiet {
				if canceled {
					fmt.Fprintln(cmd.OutOrStdout(), "Download canceled")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "No download in progress")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", DefaultServerAddr, "Base URL of the model server")
	return cmd
}

// requestCancel sends DELETE /v1/download to a model server.
// Reports whether a download was running.
func requestCancel(ctx context.Context, client HTTPClient, server string) (bool, error) {
	url := strings.TrimRight(server, "/") + "/v1/download"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, &NetworkError{Op: "request", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &NetworkError{Op: "status", URL: url, StatusCode: resp.StatusCode}
	}

	var body struct {
		Canceled bool `json:"canceled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, &NetworkError{Op: "decode", URL: url, Err: err}
	}
	return body.Canceled, nil
}

// confirmPrompt reads from stdin and returns true only if the user types 'y' or 'Y'.
// Returns false for empty input or any other response (default is no).
func confirmPrompt(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		response := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return response == "y" || response == "yes"
	}
	return false
}

// Output helpers

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputModels(w io.Writer, models []AnnotatedModel, asJSON bool) error {
	if asJSON {
		entries := make([]modelEntry, len(models))
		for i, m := range models {
			entries[i] = newModelEntry(m)
		}
		return writeJSON(w, entries)
	}

	if len(models) == 0 {
		fmt.Fprintln(w, "No models in catalog")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tKEY\tNAME\tSIZE\tSTATUS")
	for _, m := range models {
		marker := ""
		if m.Active {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			marker,
			m.Descriptor.Key,
			m.Descriptor.DisplayName,
			m.Descriptor.AdvertisedSize,
			statusText(m),
		)
	}
	return tw.Flush()
}

func outputAssetInfo(ctx context.Context, w io.Writer, c Cache, key AssetKey) error {
	asset, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return writeJSON(w, assetInfo{
		Key:       asset.Key,
		Label:     asset.Label,
		Size:      asset.Size,
		CreatedAt: asset.CreatedAt,
		Active:    c.Active() == key,
	})
}

// statusText summarizes local state for the list table.
func statusText(m AnnotatedModel) string {
	switch {
	case m.State.Status == StatusDownloading:
		return fmt.Sprintf("downloading %d%%", m.State.Percent)
	case m.State.Status == StatusError:
		return "failed"
	case m.Stored:
		return "downloaded"
	default:
		return "-"
	}
}

// formatSize formats a byte count with binary units, e.g. "40 MiB".
func formatSize(bytes int64) string {
	if bytes < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(bytes))
}
