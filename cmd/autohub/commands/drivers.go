package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List installed drivers and plugins",
	Run: func(cmd *cobra.Command, args []string) {
		factories := registry.Drivers()
		if len(factories) == 0 {
			fmt.Println("No drivers installed")
		} else {
			fmt.Println("Drivers:")
			for _, f := range factories {
				fmt.Printf("  %s %s (type %s)\n", f.Name, f.Version, f.TypeID)
			}
		}

		plugins := registry.Plugins()
		if len(plugins) == 0 {
			fmt.Println("No plugins installed")
			return
		}
		fmt.Println("Plugins:")
		for _, f := range plugins {
			fmt.Printf("  %s\n", f.Name)
		}
	},
}
