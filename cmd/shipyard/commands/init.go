package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/shipyard/pkg/config"
	"github.com/openfroyo/shipyard/pkg/stores"
)

const sampleShellRecipe = `# Recipes are Starlark. set() declares config entries, task() declares tasks.
# {{placeholders}} are resolved against the host being deployed.

set("greeting", "hello")
set("remote_hostname", lambda: run("uname -n"))

task("hello", "echo {{greeting}} from {{remote_hostname}}", desc = "Say hello from every host")
task("disk", "df -h .", desc = "Show free disk space on every host")
task("check", ["hello", "disk"], desc = "Run every check")
`

const sampleSymfonyRecipe = `include("symfony6")

set("repository", "git@example.com:acme/app.git")
set("deploy_path", "/var/www/app")
set("keep_releases", 5)
`

const sampleInventory = `# Hosts of this workspace. Remote hosts are reached over SSH.
hosts:
  - name: control
    local: true
    labels:
      env: dev
#  - name: web1
#    hostname: web1.example.com
#    user: deploy
#    labels:
#      env: prod
#      role: web
#    config:
#      deploy_path: /srv/app
`

func newInitCommand() *cobra.Command {
	var (
		dir      string
		template string
		key      bool
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a shipyard workspace",
		Long: `Initialize a new shipyard workspace with settings, a sample recipe, an inventory
and the run journal.

Existing files are kept unless --force is given.

Templates:
  shell     a few shell tasks running on the control machine
  symfony6  the built-in Symfony 6 deployment recipe`,
		Example: `  # Initialize the current directory
  shipyard init

  # Initialize a Symfony deployment with a fresh deploy key
  shipyard init --dir ./deploy --template symfony6 --key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var recipe string
			switch template {
			case "shell":
				recipe = sampleShellRecipe
			case "symfony6":
				recipe = sampleSymfonyRecipe
			default:
				return fmt.Errorf("unknown template %q (want shell or symfony6)", template)
			}

			log.Debug().
				Str("dir", dir).
				Str("template", template).
				Msg("Initializing workspace")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initializing shipyard workspace in %s\n\n", dir)

			settings := config.DefaultSettings()
			stateDir := filepath.Join(dir, ".shipyard")
			for _, d := range []string{dir, stateDir, filepath.Join(dir, settings.Lock.Dir)} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}
			fmt.Fprintf(out, "✓ Created directory: %s\n", stateDir)

			settingsYAML, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			files := []struct {
				name    string
				content []byte
			}{
				{config.DefaultSettingsFile, append([]byte("# shipyard settings\n"), settingsYAML...)},
				{settings.Recipe, []byte(recipe)},
				{settings.Inventory, []byte(sampleInventory)},
			}
			for _, f := range files {
				path := filepath.Join(dir, f.name)
				written, err := writeFile(path, f.content, 0o644, force)
				if err != nil {
					return err
				}
				if written {
					fmt.Fprintf(out, "✓ Created %s\n", path)
				} else {
					fmt.Fprintf(out, "✓ Kept existing %s\n", path)
				}
			}

			dbPath := filepath.Join(dir, settings.Store)
			journal, err := stores.Open(cmd.Context(), dbPath)
			if err != nil {
				return fmt.Errorf("failed to initialize journal: %w", err)
			}
			if err := journal.Close(); err != nil {
				return fmt.Errorf("failed to close journal: %w", err)
			}
			fmt.Fprintf(out, "✓ Initialized run journal: %s\n", dbPath)

			if key {
				if err := generateDeployKey(out, filepath.Join(stateDir, "deploy_ed25519")); err != nil {
					return err
				}
			}

			fmt.Fprintf(out, "\nWorkspace initialized.\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Declare your hosts in %s\n", settings.Inventory)
			fmt.Fprintf(out, "  2. Check the workspace:\n")
			fmt.Fprintf(out, "     shipyard validate\n")
			fmt.Fprintf(out, "  3. List and run tasks:\n")
			fmt.Fprintf(out, "     shipyard tasks\n")
			if template == "shell" {
				fmt.Fprintf(out, "     shipyard run check\n")
			} else {
				fmt.Fprintf(out, "     shipyard run deploy\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().StringVar(&template, "template", "shell", "recipe template: shell or symfony6")
	cmd.Flags().BoolVar(&key, "key", false, "generate an ed25519 deploy key in .shipyard")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

// writeFile writes content to path unless the file exists and force is false.
func writeFile(path string, content []byte, perm os.FileMode, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// generateDeployKey writes an OpenSSH ed25519 key pair to keyPath and keyPath.pub.
// An existing key is kept.
func generateDeployKey(out io.Writer, keyPath string) error {
	if _, err := os.Stat(keyPath); err == nil {
		fmt.Fprintf(out, "✓ Deploy key already exists: %s\n", keyPath)
		return nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privBlock, err := sshpkg.MarshalPrivateKey(privKey, "shipyard deploy key")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	fmt.Fprintf(out, "✓ Generated deploy key: %s\n", keyPath)
	fmt.Fprintf(out, "  Add %s.pub to ~/.ssh/authorized_keys of the deploy user and set\n", keyPath)
	fmt.Fprintf(out, "  identity_file in the inventory defaults.\n")
	return nil
}
