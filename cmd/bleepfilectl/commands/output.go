package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// tableRenderer is implemented by results that print as a table.
type tableRenderer interface {
	Headers() []string
	Rows() [][]string
}

// printTable writes data as a borderless, left-aligned table.
func printTable(w io.Writer, data tableRenderer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(data.Headers())
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, row := range data.Rows() {
		table.Append(row)
	}
	table.Render()
}

// printPairs writes key/value pairs, one per line.
func printPairs(w io.Writer, pairs [][2]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator(":")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, p := range pairs {
		table.Append([]string{p[0], p[1]})
	}
	table.Render()
}

// printOutput renders value in the selected format. empty prints emptyMsg
// instead of an empty table.
func printOutput(w io.Writer, format string, value any, empty bool, emptyMsg string, table tableRenderer) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(value)
	case "table", "":
		if empty {
			fmt.Fprintln(w, emptyMsg)
			return nil
		}
		printTable(w, table)
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}
