package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "wtb"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Walkie-talkie bot - personal assistant backend",
		Long:          "wtb relays prompts to the Claude Code CLI and streams its output back to clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "path to config file")

	cmd.AddCommand(
		NewServeCmd(),
		NewJobsCmd(),
	)

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd(Version).Execute()
}
