package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/models"
	"github.com/shonenkov/ru-dalle/transformers"
	"github.com/shonenkov/ru-dalle/weights"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// numParameters of the model described by entry, without downloading nor initializing it.
func numParameters(entry models.Entry) int {
	return must.M1(transformers.New(entry.Params)).NumParameters()
}

func lookup(name string) (models.Entry, error) {
	entry, found := models.Lookup(name)
	if !found {
		return entry, errors.Wrapf(models.ErrUnknownModel, "model %q (registered models: %v)", name, models.Names())
	}
	return entry, nil
}

func newListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tLAYERS\tHIDDEN\tHEADS\tPARAMETERS\tREPOSITORY")
			for _, name := range models.Names() {
				entry := must.M1(lookup(name))
				repo := entry.RepoID
				if repo == "" {
					repo = "-"
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n", name, entry.Params.NumLayers, entry.Params.HiddenSize,
					entry.Params.NumAttentionHeads, humanize.Comma(int64(numParameters(entry))), repo)
			}
			return w.Flush()
		},
	}
}

func newInfoCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <model>",
		Short: "Show the configuration of a model, and of its checkpoint if already downloaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := lookup(args[0])
			if err != nil {
				return err
			}
			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err = encoder.Encode(entry); err != nil {
				return errors.Wrap(err, "failed to encode model entry")
			}
			if err = encoder.Close(); err != nil {
				return errors.Wrap(err, "failed to encode model entry")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "parameters: %s\n", humanize.Comma(int64(numParameters(entry))))

			if entry.Filename == "" {
				return nil
			}
			checkpointPath := opts.checkpointPath(entry)
			metadata, err := weights.LoadMetadata(checkpointPath)
			if err != nil {
				if os.IsNotExist(errors.Cause(err)) {
					fmt.Fprintf(out, "checkpoint: not loaded yet (%s)\n", checkpointPath)
					return nil
				}
				return err
			}
			fmt.Fprintf(out, "checkpoint: %s, %d tensors, %s parameters\n", checkpointPath,
				len(metadata.Entries), humanize.Comma(int64(metadata.NumParameters())))
			return nil
		},
	}
}

func newFetchCommand(opts *globalOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "fetch <model>",
		Short: "Download the checkpoint of a model, if not cached yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpointPath, err := opts.factory(args[0]).
				WithContext(cmd.Context()).
				Token(token).
				ShowProgress(true).
				Fetch()
			if err != nil {
				return err
			}
			info, err := os.Stat(checkpointPath)
			if err != nil {
				return errors.Wrapf(err, "failed to stat checkpoint %q", checkpointPath)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", checkpointPath, humanize.Bytes(uint64(info.Size())))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "HuggingFace access token. Defaults to $HF_TOKEN.")
	return cmd
}

func newLoadCommand(opts *globalOptions) *cobra.Command {
	var loadOpts loadOptions
	cmd := &cobra.Command{
		Use:   "load <model>",
		Short: "Build a model, load its pretrained weights and place it on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			factory := opts.factory(args[0]).
				WithContext(cmd.Context()).
				Token(loadOpts.token).
				Pretrained(loadOpts.pretrained).
				FP16(loadOpts.fp16).
				Device(loadOpts.device)
			return runLoad(cmd, args[0], factory, loadOpts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&loadOpts.pretrained, "pretrained", true, "Download and load the pretrained weights.")
	flags.BoolVar(&loadOpts.fp16, "fp16", false, "Run the model in float16.")
	flags.StringVar(&loadOpts.device, "device", models.DefaultDevice, `Device to place the model on: "cpu", "cuda" or "cuda:<n>".`)
	flags.StringVar(&loadOpts.token, "token", "", "HuggingFace access token. Defaults to $HF_TOKEN.")
	flags.BoolVar(&loadOpts.plain, "plain", false, "Don't use the interactive terminal UI.")
	return cmd
}

// factory for the model name configured with the global options.
func (opts *globalOptions) factory(name string) *models.Factory {
	return models.New(name).CacheDir(opts.cacheDir).Endpoint(opts.endpoint)
}

// checkpointPath where the checkpoint of the entry is cached.
func (opts *globalOptions) checkpointPath(entry models.Entry) string {
	return filepath.Join(data.ReplaceTildeInDir(opts.cacheDir), entry.Name, entry.Filename)
}
