package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Verify the device is reachable over SSH",
		Long: `Negotiate a session with the device and run a trivial command.

Exercises the full authentication fallback chain, so it also tells you
which kind of firmware you are talking to: watch the log at
LOG_LEVEL=debug to see which attempt succeeded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, executor, _, err := newStack()
			if err != nil {
				return err
			}
			defer registry.Close()

			sess, err := registry.Acquire(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("connected to %s@%s\n", sess.User(), sess.Address())

			result, err := executor.ExecOnce(cmd.Context(), "echo pong", 0)
			if err != nil {
				return err
			}
			if result.ExitCode != 0 {
				return fmt.Errorf("device responded but the probe exited %d", result.ExitCode)
			}

			log.Info().Msg("device is reachable")
			fmt.Println("pong")
			return nil
		},
	}

	return cmd
}
