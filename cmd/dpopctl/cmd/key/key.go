package key

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/config"
	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/keystore"
)

// KeyCmd is the parent command for DPoP key operations
var KeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the DPoP signing key",
	Long: `Commands for generating, inspecting and deleting the private key DPoP proofs are signed
with. Access tokens are bound to this key's thumbprint.`,
}

func init() {
	KeyCmd.AddCommand(generateCmd)
	KeyCmd.AddCommand(showCmd)
	KeyCmd.AddCommand(deleteCmd)
}

func keyStore(ctx context.Context) (*keystore.FileStore, error) {
	cfg := config.MustFromContext(ctx)
	return keystore.NewFileStore(cfg.Settings.KeyPath)
}
