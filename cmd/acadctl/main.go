// Command acadctl is the operator CLI for acadflow: schema migrations,
// step catalog linting and offline deadline evaluation.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every flag can also be set through an
// ACADCTL_* environment variable, e.g. ACADCTL_DSN.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ACADCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "acadctl",
		Short:         "Operate an acadflow deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("json", false, "output JSON")
	_ = v.BindPFlag("json", root.PersistentFlags().Lookup("json"))

	root.AddCommand(migrateCmd(v))
	root.AddCommand(catalogCmd(v))
	root.AddCommand(deadlineCmd(v))
	return root
}
