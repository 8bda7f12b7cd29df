package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/x/editor"
	"github.com/dgnsrekt/ttsdispatch/internal/adapter"
	"github.com/dgnsrekt/ttsdispatch/internal/backends"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# HTTP listen address
listen: "127.0.0.1:8765"
# dispatch configuration document (.json, .yaml or .toml); empty uses the
# per-user default location
dispatch_config: ""
# reload the dispatch document when it changes on disk
watch: true

retry:
  # constant (retry_delay_ms between attempts) or exponential
  strategy: "constant"

nats:
  # NATS server URL; empty disables the NATS worker
  url: ""
  subject: "tts.requests"
  queue: "ttsd"
  concurrency: 4

cache:
  disabled: false
  # empty uses the per-user data directory
  dir: ""
  memory_mb: 64
  # 0 keeps the cache in memory only
  disk_mb: 512

state:
  health_interval: "30s"
  cleanup_interval: "5m"
  memory_limit_mb: 500
`

var (
	editDispatch bool
	showFormat   string

	configCmd = &cobra.Command{
		Use:     "config",
		Hidden:  false,
		Short:   "Edit the ttsd config file",
		Long:    paragraph(fmt.Sprintf("\n%s the ttsd config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
		Example: paragraph("ttsd config\nttsd config --dispatch\nttsd config show --format yaml"),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := configFile
			if editDispatch {
				s, err := loadSettings(cmd)
				if err != nil {
					return err
				}
				// Opening the store writes the default document if missing.
				if _, err := openStore(s); err != nil {
					return err
				}
				target = s.DispatchConfig
			} else if err := ensureConfigFile(); err != nil {
				return err
			}

			c, err := editor.Cmd("ttsd", target)
			if err != nil {
				return fmt.Errorf("unable to set config file: %w", err)
			}
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			if err := c.Run(); err != nil {
				return fmt.Errorf("unable to run command: %w", err)
			}

			fmt.Println("Wrote config file to:", target)
			return nil
		},
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the active dispatch configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(s)
			if err != nil {
				return err
			}
			out, err := config.Marshal(store.GetCurrent(), showFormat)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	configValidateCmd = &cobra.Command{
		Use:   "validate [FILE]",
		Short: "Check a dispatch configuration document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			} else {
				s, err := loadSettings(cmd)
				if err != nil {
					return err
				}
				target = s.DispatchConfig
			}

			cfg, err := config.ReadFile(target)
			if err != nil {
				return err
			}
			res := config.NewMemoryStore(nil,
				config.WithValidator(adapter.BackendValidator(backends.Default))).Validate(cfg)

			w := cmd.OutOrStdout()
			for _, e := range res.Errors {
				_, _ = fmt.Fprintln(w, yesNo(false, "", "error  ")+e)
			}
			for _, warn := range res.Warnings {
				_, _ = fmt.Fprintln(w, "warning "+warn)
			}
			if !res.Valid {
				return fmt.Errorf("%s: %d error(s)", target, len(res.Errors))
			}
			_, _ = fmt.Fprintln(w, row(target, yesNo(true, "valid", "")))
			return nil
		},
	}

	configPathCmd = &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			settingsPath := configFile
			if settingsPath == "" {
				settingsPath = viper.ConfigFileUsed()
			}
			lines := []string{
				row("Settings", settingsPath),
				row("Dispatch", s.DispatchConfig),
			}
			if s.CacheDir != "" {
				lines = append(lines, row("Cache", s.CacheDir))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
			return err
		},
	}
)

func init() {
	configCmd.Flags().BoolVar(&editDispatch, "dispatch", false, "edit the dispatch configuration document instead")
	configShowCmd.Flags().StringVar(&showFormat, "format", "json", "output format: json, yaml or toml")
	configCmd.AddCommand(configShowCmd, configValidateCmd, configPathCmd)
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
