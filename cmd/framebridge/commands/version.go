package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/drblury/framebridge/internal/runtime/protocol"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:    %s\n", Version)
			fmt.Fprintf(out, "Protocol:   %s\n", protocol.ProtocolVersion)
			fmt.Fprintf(out, "Commit:     %s\n", Commit)
			fmt.Fprintf(out, "Build Date: %s\n", BuildDate)
			fmt.Fprintf(out, "OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
