package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/acadflow/internal/catalog"
	"github.com/pitabwire/acadflow/model"
)

func catalogCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and lint step catalogs",
	}
	cmd.PersistentFlags().Bool("builtin", true, "include the catalog compiled into the binary")
	_ = v.BindPFlag("builtin", cmd.PersistentFlags().Lookup("builtin"))

	cmd.AddCommand(catalogLintCmd(v))
	cmd.AddCommand(catalogShowCmd(v))
	return cmd
}

func loadFiles(v *viper.Viper, dirs []string) ([]catalog.File, error) {
	loader := catalog.NewLoader()
	var files []catalog.File
	if v.GetBool("builtin") {
		builtin, err := loader.LoadBuiltin()
		if err != nil {
			return nil, err
		}
		files = append(files, builtin...)
	}
	if len(dirs) > 0 {
		extra, err := loader.LoadAll(dirs)
		if err != nil {
			return nil, err
		}
		files = append(files, extra...)
	}
	return files, nil
}

func catalogLintCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "lint [dir...]",
		Short: "Validate catalog files and report every problem found",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := loadFiles(v, args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no catalog files found")
			}
			verrs := catalog.NewValidator().Validate(files)
			if len(verrs) == 0 {
				if v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), []catalog.VError{})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) ok\n", len(files))
				return nil
			}
			rows := make([]table.Row, 0, len(verrs))
			for _, e := range verrs {
				rows = append(rows, table.Row{e.Path, e.Code, e.Message})
			}
			if err := printTable(cmd.OutOrStdout(), v, verrs, table.Row{"Path", "Code", "Message"}, rows); err != nil {
				return err
			}
			return fmt.Errorf("catalog has %d error(s)", len(verrs))
		},
	}
}

func catalogShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-type> [dir...]",
		Short: "List the steps of a workflow type",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wt := model.WorkflowType(args[0])
			if !wt.Valid() {
				return fmt.Errorf("unknown workflow type %q", args[0])
			}
			files, err := loadFiles(v, args[1:])
			if err != nil {
				return err
			}
			steps := catalog.NewRegistry(files).ListSteps(wt)
			rows := make([]table.Row, 0, len(steps))
			for _, s := range steps {
				rows = append(rows, table.Row{s.Order, s.Key, s.PhaseVariant, s.Title})
			}
			return printTable(cmd.OutOrStdout(), v, steps, table.Row{"Order", "Key", "Variant", "Title"}, rows)
		},
	}
}
