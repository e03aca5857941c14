package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/datamill/datamill/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a datamill workspace",
		Long: `Init creates the data directory, the run history database, a starter
config file, and an SSH keypair for publishing.

Existing files are left alone, so init is safe to re-run.`,
		Example: `  # Initialize under ~/.datamill with a starter ./datamill.yaml
  datamill init

  # Initialize into an explicit directory and config path
  datamill init --dir ./data --config ./datamill.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("failed to resolve home directory: %w", err)
				}
				dataDir = filepath.Join(home, ".datamill")
			}

			fmt.Printf("Initializing datamill workspace in %s\n\n", dataDir)

			keyDir := filepath.Join(dataDir, "keys")
			for _, dir := range []string{dataDir, keyDir} {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			storePath := dbPath
			if storePath == "" {
				storePath = filepath.Join(dataDir, "history.db")
			}
			store, err := stores.NewSQLiteStore(stores.Config{Path: storePath})
			if err != nil {
				return fmt.Errorf("failed to create run store: %w", err)
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize run store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate run store: %w", err)
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close run store: %w", err)
			}
			fmt.Printf("✓ Initialized run history database: %s\n", storePath)

			keyPath := filepath.Join(keyDir, "publish-ed25519")
			created, err := ensurePublishKey(keyPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Generated publish SSH keypair: %s\n", keyPath)
			} else {
				fmt.Printf("✓ Publish SSH keypair already exists: %s\n", keyPath)
			}

			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = "datamill.yaml"
			}
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("✓ Config file already exists: %s\n", cfgPath)
			} else {
				content := starterConfig(storePath, keyPath)
				if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", cfgPath)
			}

			fmt.Printf("\nWorkspace initialized.\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. List your workbooks under workbooks.paths in %s\n", cfgPath)
			fmt.Printf("  2. Set the portal url, username, and template\n")
			fmt.Printf("  3. Start a run:\n")
			fmt.Printf("     datamill run\n\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "dir", "", "data directory (default ~/.datamill)")

	return cmd
}

// ensurePublishKey generates an ed25519 keypair for SFTP publishing unless
// one already exists at keyPath. It returns whether a new key was written.
func ensurePublishKey(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(privKeyBytes)
	if err := os.WriteFile(keyPath, privPEM, 0600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	pubKeyStr := sshpkg.MarshalAuthorizedKey(sshPubKey)
	if err := os.WriteFile(keyPath+".pub", pubKeyStr, 0644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}

	return true, nil
}

// starterConfig renders the initial config file. Every commented value
// shows the default or an example; the file parses as-is.
func starterConfig(storePath, keyPath string) string {
	return fmt.Sprintf(`# Datamill configuration

workbooks:
  # Workbooks to refresh, processed in order.
  paths: []
  # max_retries: 5
  # retry_delay: 2s
  # settle_delay: 5s

portal:
  # url: https://portal.example.com/login
  # username: operator-id
  # template: daily-ops
  # webdriver_url: http://localhost:4444/wd/hub
  # browser: chrome
  # headless: true

store:
  path: %s

# publish:
#   enabled: true
#   host: files.example.com
#   username: datamill
#   key_file: %s
#   known_hosts_file: ~/.ssh/known_hosts
#   remote_dir: /srv/reports

# watch:
#   debounce: 2s

telemetry:
  log_level: info
  log_format: console
`, storePath, keyPath)
}
