package tool

import (
	"github.com/spf13/cobra"

	"github.com/mirrorq/mirrorq/cmd/tool/sync"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Executes tools as subcommands"
	toolLongDesc  = "This command executes the specified tool"
	toolExample   = "mirrorq tool sync [flags]"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:        toolUsage,
		Short:      toolShortDesc,
		Long:       toolLongDesc,
		SuggestFor: []string{"sync"},
		Example:    toolExample,
	}
)

func init() {
	Cmd.AddCommand(sync.Cmd)
}
