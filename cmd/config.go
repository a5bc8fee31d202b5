package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/config"
	"github.com/marcus/fieldsync/internal/output"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage fieldsync configuration",
	GroupID: "system",
	// The config commands must work on a file that does not validate, so
	// they skip the root loader and read the file directly.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgPath == "" {
			cfgPath = config.DefaultPath()
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]

		fileCfg, err := config.LoadFile(cfgPath)
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		if err := fileCfg.Set(key, val); err != nil {
			output.Error("%v", err)
			if errors.Is(err, config.ErrUnknownKey) {
				fmt.Println("Valid keys:", strings.Join(config.Keys(), ", "))
			}
			return err
		}
		if err := fileCfg.Validate(); err != nil {
			output.Error("%v", err)
			return err
		}
		if err := config.Save(cfgPath, fileCfg); err != nil {
			output.Error("save config: %v", err)
			return err
		}
		output.Success("Set %s = %s", key, val)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a config value",
	Long:  `Prints the effective value, including environment overrides.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		effective, err := effectiveConfig()
		if err != nil {
			output.Warning("%v", err)
		}
		val, err := effective.Get(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Println(val)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all config values",
	RunE: func(cmd *cobra.Command, args []string) error {
		effective, loadErr := effectiveConfig()

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			vals := make(map[string]string, len(config.Keys()))
			for _, k := range config.Keys() {
				vals[k], _ = effective.Get(k)
			}
			return output.JSON(vals)
		}
		width := 0
		for _, k := range config.Keys() {
			width = max(width, len(k))
		}
		for _, k := range config.Keys() {
			v, _ := effective.Get(k)
			fmt.Printf("%-*s  %s\n", width, k, v)
		}
		if loadErr != nil {
			output.Warning("%v", loadErr)
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cfgPath)
	},
}

// effectiveConfig loads the file and environment. A validation error is
// returned alongside the loaded values.
func effectiveConfig() (config.Config, error) {
	c, err := config.LoadFile(cfgPath)
	if err != nil {
		return c, err
	}
	c.ApplyEnv()
	return c, c.Validate()
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)

	configListCmd.Flags().Bool("json", false, "JSON output")
}
