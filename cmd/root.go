package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/config"
	"github.com/marcus/fieldsync/internal/output"
)

var (
	versionStr string
	cfg        config.Config
	cfgPath    string
)

// SetVersion sets the version string
func SetVersion(v string) {
	versionStr = v
}

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first field work client",
	Long: `fieldsync - fill in field assignments with or without a connection.

Responses are saved locally as you enter them. Submissions made while offline
are queued and replayed against the server once the connection returns.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// nameWithAliases returns "name, alias1, alias2" if aliases exist, else just "name"
func nameWithAliases(cmd *cobra.Command) string {
	if len(cmd.Aliases) > 0 {
		return cmd.Name() + ", " + strings.Join(cmd.Aliases, ", ")
	}
	return cmd.Name()
}

func init() {
	cobra.AddTemplateFunc("nameWithAliases", nameWithAliases)
	cobra.AddTemplateFunc("add", func(a, b int) int { return a + b })

	// Custom usage template that shows aliases inline
	usageTemplate := `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
	rootCmd.SetUsageTemplate(usageTemplate)

	rootCmd.AddGroup(
		&cobra.Group{ID: "work", Title: "Work Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "Config file (default ~/.config/fieldsync/config.toml)")
	flags.String("data-dir", "", "Directory for local data")
	flags.String("server", "", "Server URL")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig resolves the configuration (file, then environment, then
// flags) and installs the logger.
func loadConfig(cmd *cobra.Command, _ []string) error {
	path := cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	loaded, err := config.Load(path)
	if err != nil {
		err = fmt.Errorf("load config %s: %w", path, err)
		output.Error("%v", err)
		return err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("data-dir"); v != "" {
		loaded.DataDir = v
	}
	if v, _ := flags.GetString("server"); v != "" {
		loaded.ServerURL = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		loaded.Log.Level = v
	}
	if err := loaded.Validate(); err != nil {
		output.Error("invalid config: %v", err)
		return err
	}
	cfg = loaded
	cfgPath = path

	slog.SetDefault(slog.New(newLogHandler(cfg.Log)))
	return nil
}

// newLogHandler builds the stderr handler for the configured level and format.
func newLogHandler(lc config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	if strings.EqualFold(lc.Format, "json") {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelWarn
	}
	return lvl
}
