package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dutctl/dutctl/pkg/transports/ssh"
)

func newDownloadCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "download <remote-glob>",
		Short: "Download files matching a glob from the device",
		Long: `Download every file on the device matching a shell glob.

The glob is checked on the device first; a glob that matches nothing is
reported with suggestions rather than treated as a failure. Matched
files are copied over SFTP into the output directory, overwriting any
existing local files of the same name.`,
		Example: `  # Pull the latest capture logs
  dutctl download -f lab.yaml "/tmp/capture_*.log"

  # Into a specific directory
  dutctl download -H 10.0.0.5 -u root -o ./results "/var/log/diag*.txt"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			glob := args[0]

			registry, executor, metrics, err := newStack()
			if err != nil {
				return err
			}
			defer registry.Close()

			transfer := ssh.NewFileTransfer(registry, executor, consoleSink, metrics)
			result, err := transfer.Download(cmd.Context(), glob, outputDir)
			if err != nil {
				return err
			}
			if result.NoMatches {
				// Advisory outcome; the command itself succeeded.
				return nil
			}

			log.Info().Int("files", len(result.Downloaded)).Str("dir", outputDir).Msg("download complete")
			for _, local := range result.Downloaded {
				fmt.Println(local)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "local directory for downloaded files")

	return cmd
}
