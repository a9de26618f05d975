// Package display renders CLI output as JSON or terminal tables.
package display

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/automaton/errors"
)

// EnvOutput selects JSON output when set to "json"
const EnvOutput = "AUTOMATON_OUTPUT"

// ShouldOutputJSON reports whether cmd should print JSON: an explicit --json flag wins,
// then the root's persistent --json flag, then AUTOMATON_OUTPUT.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd == nil {
		return os.Getenv(EnvOutput) == "json"
	}

	if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
		v, _ := cmd.Flags().GetBool("json")
		return v
	}
	if v, _ := cmd.Root().PersistentFlags().GetBool("json"); v {
		return true
	}
	return os.Getenv(EnvOutput) == "json"
}

// MarshalJSON renders v as indented JSON
func MarshalJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// OutputJSON prints v to cmd's output as indented JSON
func OutputJSON(cmd *cobra.Command, v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// Table prints rows under header. An empty table prints empty instead.
func Table(cmd *cobra.Command, header []string, rows [][]string, empty string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), empty)
		return err
	}
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.
		WithHasHeader().
		WithWriter(cmd.OutOrStdout()).
		WithData(data).
		Render()
}
