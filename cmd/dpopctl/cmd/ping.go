package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/config"
	"github.com/terraconstructs/connect-dpop/pkg/sdk"
	"github.com/terraconstructs/connect-dpop/pkg/sdk/bridge"
)

var (
	pingCount      int
	pingIdempotent bool
)

var pingCmd = &cobra.Command{
	Use:   "ping <procedure>",
	Short: "Call a unary procedure with an empty message",
	Long: `Calls <procedure> (e.g. acme.v1.StatusService/Ping) with a google.protobuf.Empty
request through the DPoP interceptor and reports the outcome. The response must
also be google.protobuf.Empty. With --count greater than one the calls run
concurrently.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		cfg := config.MustFromContext(cobraCmd.Context())
		if pingCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}

		ctx, cancel := context.WithTimeout(cobraCmd.Context(), cfg.Settings.Timeout)
		defer cancel()

		opts, err := cfg.ClientProvider.ClientOptions(ctx)
		if err != nil {
			return err
		}
		if pingIdempotent {
			opts = append(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))
		}

		procedure := procedurePath(args[0])
		client := connect.NewClient[emptypb.Empty, emptypb.Empty](
			http.DefaultClient,
			strings.TrimSuffix(cfg.ClientProvider.ServerURL(), "/")+procedure,
			opts...,
		)
		call := func(ctx context.Context) (*emptypb.Empty, error) {
			return sdk.MessageOrError(client.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{})))
		}

		if pingCount == 1 {
			start := time.Now()
			if _, err := bridge.Block(ctx, call); err != nil {
				pterm.Error.Printf("%s failed (%s): %v\n", procedure, connect.CodeOf(err), err)
				return err
			}
			pterm.Success.Printf("%s OK in %s\n", procedure, time.Since(start).Round(time.Millisecond))
			return nil
		}

		return pingConcurrently(ctx, procedure, call)
	},
}

func init() {
	pingCmd.Flags().IntVar(&pingCount, "count", 1, "Number of concurrent calls")
	pingCmd.Flags().BoolVar(&pingIdempotent, "idempotent", false, "Mark the procedure side-effect free (GET with --http-get)")
}

// pingConcurrently issues pingCount calls in callback mode. Results are printed by a
// single-worker executor so lines never interleave.
func pingConcurrently(ctx context.Context, procedure string, call bridge.Func[*emptypb.Empty]) error {
	printer := bridge.NewPoolExecutor(1)
	defer printer.Wait()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	start := time.Now()
	for i := 1; i <= pingCount; i++ {
		wg.Add(1)
		bridge.Callback(ctx, call, func(_ *emptypb.Empty, err error) {
			defer wg.Done()
			elapsed := time.Since(start).Round(time.Millisecond)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				pterm.Error.Printf("#%d %s failed after %s (%s): %v\n", i, procedure, elapsed, connect.CodeOf(err), err)
				return
			}
			pterm.Success.Printf("#%d %s OK in %s\n", i, procedure, elapsed)
		}, bridge.WithExecutor(printer))
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d calls to %s failed", failed, pingCount, procedure)
	}
	return nil
}
