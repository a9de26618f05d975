package commands

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/display"
	"github.com/teranos/automaton/errors"
)

// ConfigCmd manages am.toml
var ConfigCmd = &cobra.Command{
	Use:     "config",
	Aliases: []string{"am"},
	Short:   "Create, check and show the automaton configuration",
	Long: `Create, check and show the automaton configuration.

Configuration sources (later overrides earlier):
  1. Built-in defaults
  2. /etc/automaton/am.toml
  3. ~/.automaton/am.toml
  4. ./am.toml (searched up from the working directory)
  5. AUTOMATON_* environment variables`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file holding every default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPathArg(args)
		if err := am.WriteDefaults(path); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln("Wrote %s", path))
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Parse a config file and report unknown keys",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkConfig(cmd, configPathArg(args))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		format, _ := cmd.Flags().GetString("format")
		if display.ShouldOutputJSON(cmd) {
			format = "json"
		}
		return showConfig(cmd, cfg, format)
	},
}

func init() {
	configShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configCheckCmd)
	ConfigCmd.AddCommand(configShowCmd)
}

func configPathArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return "am.toml"
}

func checkConfig(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "cannot check %s", path)
	}
	res, err := am.CheckFile(path)
	if res != nil {
		for _, key := range res.Undecoded {
			fmt.Fprint(cmd.OutOrStdout(), pterm.Warning.Sprintfln("%s: unknown key %s", res.Path, key))
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln("%s is valid", path))
	return nil
}

func showConfig(cmd *cobra.Command, cfg *am.Config, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		return display.OutputJSON(cmd, cfg)

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# automaton configuration\n%s", data)

	case "toml":
		data, err := am.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# automaton configuration\n%s", data)

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}

	if files := am.MergedFiles(); len(files) > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "# merged from:")
		for _, f := range files {
			fmt.Fprintf(cmd.ErrOrStderr(), "#   %s\n", f)
		}
	}
	return nil
}
