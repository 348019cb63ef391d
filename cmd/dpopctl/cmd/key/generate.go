package key

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/keystore"
	"github.com/terraconstructs/connect-dpop/pkg/sdk/dpop"
)

var (
	generateType  string
	generateBits  int
	generateForce bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and store a new DPoP key",
	Long: `Generates a private key and writes it to the key store as a JWK (mode 0600).
Tokens bound to a previous key stop working, so an existing key is only
replaced with --force.`,
	Args: cobra.NoArgs,
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		store, err := keyStore(cobraCmd.Context())
		if err != nil {
			return err
		}

		if !generateForce {
			if _, err := store.LoadKey(); err == nil {
				return fmt.Errorf("key already exists at %s (use --force to replace it)", store.Path())
			} else if !errors.Is(err, keystore.ErrNoKey) {
				return err
			}
		}

		key, err := generateKey(generateType, generateBits)
		if err != nil {
			return err
		}
		if err := store.SaveKey(key); err != nil {
			return fmt.Errorf("failed to save key: %w", err)
		}

		prover, err := dpop.NewProver(key)
		if err != nil {
			return err
		}
		thumb, err := prover.Thumbprint()
		if err != nil {
			return err
		}

		pterm.Success.Printf("Generated %s key at %s\n", prover.Algorithm(), store.Path())
		pterm.Info.Printf("Thumbprint (jkt): %s\n", thumb)
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateType, "type", "rsa", "Key type: rsa, ec or ed25519")
	generateCmd.Flags().IntVar(&generateBits, "bits", dpop.DefaultRSAKeyBits, "RSA modulus size")
	generateCmd.Flags().BoolVar(&generateForce, "force", false, "Replace an existing key")
}

func generateKey(keyType string, bits int) (crypto.Signer, error) {
	switch keyType {
	case "rsa":
		return dpop.GenerateRSAKey(bits)
	case "ec":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ed25519":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("unknown key type %q (want rsa, ec or ed25519)", keyType)
	}
}
