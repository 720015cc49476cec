package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wine-lab/ovs-tsn/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file and print the effective configuration
after defaults are applied.

Examples:
  ovs-tsn validate
  ovs-tsn validate -c /etc/ovs-tsn/config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

func runValidateCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	out, err := yaml.Marshal(map[string]*config.Config{"ovs-tsn": cfg})
	if err != nil {
		exitWithError("failed to render effective config", err)
	}

	fmt.Println("VALID")
	fmt.Print(string(out))
}
