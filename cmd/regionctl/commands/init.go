package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/regionctl/pkg/config"
)

const configHeader = `# regionctl configuration
#
# Region values documents live in parameters.values_dir, one file per region
# (<region>.yaml, <region>.yml or <region>.cue). Secret overrides are read from
# environment variables starting with parameters.secret_prefix.
#
# server.tokens holds API bearer tokens; keep this file private.

`

const exampleValues = `# Parameters for eu-central-1. The bundled local executor treats
# resource.<id> parameters as the desired resources.
instanceType: t3.medium
vpcCidr: 10.0.0.0/16
resource.aws_vpc.main: 10.0.0.0/16
resource.aws_instance.node: t3.medium
`

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a regionctl project",
		Long: `Initialize a project directory with a configuration file, a region values
directory holding one example region, and a migrated SQLite database.

The generated configuration uses the SQLite state backend and the bundled
local executor, so "regionctl plan" works immediately.`,
		Example: `  # Initialize the current directory
  regionctl init

  # Initialize another directory, replacing an existing config
  regionctl init --dir ./infra --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("dir", dir).Msg("Initializing project")

			path := configPath
			if path == "" {
				path = filepath.Join(dir, "regionctl.yaml")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			cfg.Database.Path = filepath.Join(dir, "data", "regionctl.db")
			cfg.Parameters.ValuesDir = filepath.Join(dir, "regions")
			cfg.Server.Tokens = []config.APIToken{{
				Actor:  initActor(),
				Token:  newAPIToken(),
				Scopes: []string{"*"},
			}}

			out := cmd.OutOrStdout()
			if err := os.MkdirAll(cfg.Parameters.ValuesDir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", cfg.Parameters.ValuesDir, err)
			}
			fmt.Fprintf(out, "%s Created directory: %s\n", successColor.Sprint("✓"), cfg.Parameters.ValuesDir)

			example := filepath.Join(cfg.Parameters.ValuesDir, "eu-central-1.yaml")
			if _, err := os.Stat(example); os.IsNotExist(err) {
				if err := os.WriteFile(example, []byte(exampleValues), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", example, err)
				}
				fmt.Fprintf(out, "%s Created example region: %s\n", successColor.Sprint("✓"), example)
			}

			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Fprintf(out, "%s Initialized SQLite database: %s\n", successColor.Sprint("✓"), cfg.Database.Path)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := os.WriteFile(path, append([]byte(configHeader), data...), 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(out, "%s Created config file: %s\n", successColor.Sprint("✓"), path)
			fmt.Fprintf(out, "%s Generated API token for %s\n", successColor.Sprint("✓"), cfg.Server.Tokens[0].Actor)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  regionctl plan --config %s\n", path)
			fmt.Fprintf(out, "  regionctl rollout --config %s --auto-approve\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "project directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// initActor names the owner of the generated API token.
func initActor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}

func newAPIToken() string {
	return "rct_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
