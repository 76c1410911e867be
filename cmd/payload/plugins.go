package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/microchipgnu/payload-exchange-sub000/actions"
)

func listPlugins(registry *actions.Registry) string {
	var buf strings.Builder
	buf.WriteString("Available action plugins:\n")
	for _, p := range registry.List() {
		d := p.Describe(nil)
		buf.WriteString(fmt.Sprintf("  %s: %s\n", d.ID, d.Description))
	}
	return buf.String()
}

func pluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the available action plugins",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(listPlugins(actions.NewDefaultRegistry()))
		},
	}
}
