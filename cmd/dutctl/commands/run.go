package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	dutcmd "github.com/dutctl/dutctl/pkg/commands"
	"github.com/dutctl/dutctl/pkg/transports/ssh"
)

func newRunCommand() *cobra.Command {
	var (
		endMarker string
		transient bool
	)

	cmd := &cobra.Command{
		Use:   "run <command> [command...]",
		Short: "Run commands on the device",
		Long: `Execute one or more commands on the device in order.

Each argument is a command line. A few forms are handled locally and
never sent to the device:

  show:<message>     print an operator message
  delay:<n>[ms|s]    pause between commands (wait:<n> also works)
  <command> &        launch in the background and return immediately

A command that exits 127 and starts with a diagnostic prefix is retried
under the usual tool directories, since device firmware often ships an
incomplete PATH.`,
		Example: `  # A short diagnostic burst
  dutctl run -H 10.0.0.5 -u root "diag temp" "delay:2" "diag volt"

  # Start a capture in the background, annotate the log
  dutctl run -f lab.yaml "show:starting capture" "capture_tool --all &"

  # Stop the batch once the device reports completion
  dutctl run -f lab.yaml --end-marker "TEST COMPLETE" "run_suite"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, executor, _, err := newStack()
			if err != nil {
				return err
			}
			defer registry.Close()

			specs := dutcmd.ParseAll(args)
			log.Info().Int("commands", len(specs)).Msg("starting batch")

			results, err := executor.Run(cmd.Context(), specs, ssh.RunOptions{
				EndMarker: endMarker,
				Transient: transient,
			})
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.ExitCode != 0 && !r.Background {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d commands failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&endMarker, "end-marker", "", "stop the batch when this string appears in output")
	cmd.Flags().BoolVar(&transient, "transient", false, "use a throwaway connection instead of the persistent session")

	return cmd
}
