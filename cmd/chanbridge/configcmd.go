package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"chanbridge/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit the configuration file",
		Long: "Values are addressed by dotted paths such as agent.maxToolTurns or\n" +
			"connections.0.dmPolicy. Output masks secrets; keyring references stay as written.",
	}
	cmd.AddCommand(configGetCmd(), configSetCmd(), configListCmd(), configPathCmd(), secretCmd())
	return cmd
}

// masked loads the file without resolving keyring references and masks
// secrets for display.
func masked() (*config.Config, error) {
	cfg, err := config.LoadUnresolved(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return config.Sanitize(cfg), nil
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print one value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := masked()
			if err != nil {
				return err
			}
			v, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			return printJSON(v)
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Change one value in a JSON config file",
		Example: "  chanbridge config set agent.defaultProvider ollama\n" +
			"  chanbridge config set connections.0.allowFrom '[\"42\"]'",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := resolveConfigPath()
			if !strings.EqualFold(filepath.Ext(file), ".json") {
				return fmt.Errorf("%s: only JSON config files can be rewritten; edit YAML and TOML by hand", file)
			}
			cfg, err := config.LoadUnresolved(file)
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("not saved: %w", err)
			}
			if err := config.Save(file, cfg); err != nil {
				return err
			}
			logger.Info("config value changed", "key", args[0], "file", file)
			return nil
		},
	}
}

func configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every path and value",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := masked()
			if err != nil {
				return err
			}
			paths := config.ListPaths(cfg)
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func secretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret <name> [value]",
		Short: "Put a secret into the OS keyring",
		Long: "Config values of the form \"keyring:<name>\" are looked up in the OS keyring\n" +
			"at load time. Without a value argument the secret is read from stdin.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				v, err := readSecret(name)
				if err != nil {
					return err
				}
				value = v
			}
			if value = strings.TrimSpace(value); value == "" {
				return errors.New("refusing to store an empty secret")
			}
			if err := config.StoreSecret(name, value); err != nil {
				return fmt.Errorf("keyring: %w", err)
			}
			fmt.Printf("secret %q stored; use \"keyring:%s\" in the config\n", name, name)
			return nil
		},
	}
}

// readSecret reads one line from stdin. On a terminal the input is not
// echoed.
func readSecret(name string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(os.Stderr, "value for %s (hidden): ", name)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(b), nil
	}
	sc := bufio.NewScanner(os.Stdin)
	if sc.Scan() {
		return sc.Text(), nil
	}
	return "", sc.Err()
}
