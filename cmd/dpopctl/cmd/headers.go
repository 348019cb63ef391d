package cmd

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/config"
	"github.com/terraconstructs/connect-dpop/pkg/sdk"
)

var (
	headersURL    string
	headersMethod string
	headersDecode bool
)

var headersCmd = &cobra.Command{
	Use:   "headers [<procedure>]",
	Short: "Print the Authorization and DPoP headers for a request",
	Long: `Obtains an access token and signs a DPoP proof for one request, then prints the
header values. The target is the server URL joined with <procedure>, or --url.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		cfg := config.MustFromContext(cobraCmd.Context())

		target := headersURL
		if target == "" {
			target = strings.TrimSuffix(cfg.Settings.Server, "/")
			if len(args) == 1 {
				target += procedurePath(args[0])
			}
		}
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("invalid URL %q: %w", target, err)
		}

		ctx, cancel := context.WithTimeout(cobraCmd.Context(), cfg.Settings.Timeout)
		defer cancel()

		source, err := cfg.ClientProvider.TokenSource(ctx)
		if err != nil {
			return err
		}
		method := strings.ToUpper(headersMethod)
		headers, err := source.AuthHeaders(ctx, u, method)
		if err != nil {
			return fmt.Errorf("failed to obtain auth headers: %w", err)
		}

		pterm.DefaultSection.Printf("%s %s\n", method, u)
		if err := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
			{"HEADER", "VALUE"},
			{sdk.AuthorizationHeader, headers.AuthHeader},
			{sdk.DPoPHeader, headers.DPoPHeader},
		}).Render(); err != nil {
			return err
		}

		if headersDecode {
			return printProof(headers.DPoPHeader)
		}
		return nil
	},
}

func init() {
	headersCmd.Flags().StringVar(&headersURL, "url", "", "Full request URL (overrides server + procedure)")
	headersCmd.Flags().StringVar(&headersMethod, "method", "POST", "HTTP method the proof is bound to")
	headersCmd.Flags().BoolVar(&headersDecode, "decode", false, "Verify and print the proof header and claims")
}

var proofAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// printProof verifies a proof against its embedded key and prints header and claims.
func printProof(proof string) error {
	tok, err := jwt.ParseSigned(proof, proofAlgorithms)
	if err != nil {
		return fmt.Errorf("failed to parse DPoP proof: %w", err)
	}
	if len(tok.Headers) != 1 || tok.Headers[0].JSONWebKey == nil {
		return fmt.Errorf("DPoP proof has no embedded key")
	}
	header := tok.Headers[0]

	claims := map[string]any{}
	if err := tok.Claims(header.JSONWebKey.Key, &claims); err != nil {
		return fmt.Errorf("DPoP proof signature invalid: %w", err)
	}

	thumb, err := header.JSONWebKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("DPoP proof")
	pterm.Info.Printf("typ=%v alg=%s\n", header.ExtraHeaders[jose.HeaderType], header.Algorithm)
	pterm.Info.Printf("jkt=%s\n", base64.RawURLEncoding.EncodeToString(thumb))

	data, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// procedurePath accepts "pkg.Service/Method" or "/pkg.Service/Method".
func procedurePath(procedure string) string {
	if strings.HasPrefix(procedure, "/") {
		return procedure
	}
	return "/" + procedure
}
