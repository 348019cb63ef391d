package key

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the stored DPoP key",
	Long: `Removes the key file. Tokens bound to its thumbprint become unusable and later
commands sign with an ephemeral key until a new one is generated. Deleting a missing
key is not an error.`,
	Args: cobra.NoArgs,
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		store, err := keyStore(cobraCmd.Context())
		if err != nil {
			return err
		}

		if err := store.DeleteKey(); err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}

		pterm.Success.Printf("Deleted DPoP key at %s\n", store.Path())
		return nil
	},
}
