package key

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/terraconstructs/connect-dpop/pkg/sdk/dpop"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored DPoP public key",
	Args:  cobra.NoArgs,
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		store, err := keyStore(cobraCmd.Context())
		if err != nil {
			return err
		}
		key, err := store.LoadKey()
		if err != nil {
			return err
		}

		prover, err := dpop.NewProver(key)
		if err != nil {
			return err
		}
		thumb, err := prover.Thumbprint()
		if err != nil {
			return err
		}

		pterm.DefaultSection.Println("DPoP Key")
		pterm.Info.Printf("Path:       %s\n", store.Path())
		pterm.Info.Printf("Algorithm:  %s\n", prover.Algorithm())
		pterm.Info.Printf("Thumbprint: %s\n", thumb)

		public := jose.JSONWebKey{
			Key:       key.Public(),
			KeyID:     thumb,
			Algorithm: string(prover.Algorithm()),
			Use:       "sig",
		}
		data, err := json.MarshalIndent(public, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal public key: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}
