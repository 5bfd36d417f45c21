package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia/certauth/ca"
	bboltstorage "github.com/custodia/certauth/storage/bbolt"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Certificate authority administration",
	Long:  `Commands for managing the authority and issued certificates directly against the data store. Stop the server first; the store is single-writer.`,
}

func init() {
	rootCmd.AddCommand(caCmd)
}

// withManager opens the store and keystore, runs fn against a manager and
// closes everything again.
func withManager(fn func(*ca.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := bboltstorage.NewRepositoryFromFile(cfg.Storage.Path, nil)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer repo.Close()

	ks, err := openOrInitKeystore(repo, cfg.Keystore.Profile)
	if err != nil {
		return err
	}
	return fn(ca.NewManager(ca.NewRegistry(repo, ks), ks))
}
