// rudalle lists, downloads and loads ruDALL-E models for GoMLX.
//
// It also uses github.com/charmbracelet libraries to make for a pretty command-line UI while loading.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shonenkov/ru-dalle/models"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// globalOptions are the flags shared by all commands.
type globalOptions struct {
	cacheDir     string
	endpoint     string
	registryFile string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "rudalle",
		Short: "ruDALL-E models for GoMLX",
		Long: `rudalle lists the registered ruDALL-E models, downloads their checkpoints from the
HuggingFace hub and loads them into GoMLX.

The hub endpoint and access token can be configured with HF_ENDPOINT and HF_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.registryFile == "" {
				return nil
			}
			names, err := models.LoadRegistryFile(opts.registryFile)
			if err != nil {
				return err
			}
			klog.V(1).Infof("registered models %v from %q", names, opts.registryFile)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cacheDir, "cache_dir", models.DefaultCacheDir,
		"Directory where checkpoints are cached, under a sub-directory per model.")
	flags.StringVar(&opts.endpoint, "endpoint", "", "HuggingFace hub endpoint. Defaults to $HF_ENDPOINT or https://huggingface.co.")
	flags.StringVar(&opts.registryFile, "registry", "", "YAML file with extra models to register.")
	addKlogFlags(flags)

	cmd.AddCommand(
		newListCommand(opts),
		newInfoCommand(opts),
		newFetchCommand(opts),
		newLoadCommand(opts),
	)
	return cmd
}

// addKlogFlags adds klog flags (-v, -logtostderr, etc.) to flags.
func addKlogFlags(flags *pflag.FlagSet) {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)
}

func main() {
	defer klog.Flush()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v\n", err)
		os.Exit(1)
	}
}
