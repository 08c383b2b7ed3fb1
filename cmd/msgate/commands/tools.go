package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"msgate/internal/address"
	"msgate/internal/config"
	"msgate/internal/templates"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(cfgPath).Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (provider=%s, templates=%d)\n",
				cfgPath, config.ProviderKind(cfg.Sessions.Provider), len(cfg.Templates))
			return nil
		},
	}
}

func normalizeCmd() *cobra.Command {
	var suffix string
	cmd := &cobra.Command{
		Use:   "normalize NUMBER...",
		Short: "Print canonical addresses for raw phone numbers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := address.Normalizer{Suffix: suffix}
			for _, raw := range args {
				fmt.Fprintln(cmd.OutOrStdout(), n.Normalize(raw))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&suffix, "suffix", address.DefaultSuffix, "address domain suffix")
	return cmd
}

func renderCmd() *cobra.Command {
	var (
		name   string
		params []string
		raw    string
	)
	cmd := &cobra.Command{
		Use:   "render [BODY]",
		Short: "Render a template body, or a named template from the config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]any{}
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &values); err != nil {
					return fmt.Errorf("--json: %w", err)
				}
			}
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return fmt.Errorf("--param %q: want key=value", p)
				}
				values[k] = v
			}

			switch {
			case len(args) == 1:
				fmt.Fprintln(cmd.OutOrStdout(), templates.Render(args[0], values))
				return nil
			case name != "":
				cfg, err := config.NewManager(cfgPath).Load()
				if err != nil {
					return err
				}
				store := templates.NewStore()
				store.PutAll(cfg.Templates)
				out, err := store.RenderNamed(name, values)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			default:
				return fmt.Errorf("give a template body or --name")
			}
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "template name from the config file")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "placeholder value as key=value (repeatable)")
	cmd.Flags().StringVar(&raw, "json", "", "placeholder values as a JSON object")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
