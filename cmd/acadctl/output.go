package main

import (
	"encoding/json"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows under header, or v as JSON when --json is set.
func printTable(w io.Writer, cfg *viper.Viper, v any, header table.Row, rows []table.Row) error {
	if cfg.GetBool("json") {
		return printJSON(w, v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}
