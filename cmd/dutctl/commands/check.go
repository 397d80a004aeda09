package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dutctl/dutctl/pkg/transports/ssh"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <remote-glob>",
		Short: "List files matching a glob on the device",
		Long: `Check which files on the device match a shell glob without
downloading anything. Useful before a download to confirm a test run
actually produced its output files.`,
		Example: `  dutctl check -f lab.yaml "/tmp/capture_*.log"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			glob := args[0]

			registry, executor, metrics, err := newStack()
			if err != nil {
				return err
			}
			defer registry.Close()

			transfer := ssh.NewFileTransfer(registry, executor, consoleSink, metrics)
			remote, err := transfer.List(cmd.Context(), glob)
			if err != nil {
				return err
			}
			if len(remote) == 0 {
				fmt.Printf("no files match %s\n", glob)
				return nil
			}
			for _, r := range remote {
				fmt.Println(r)
			}
			return nil
		},
	}

	return cmd
}
