// Command softpos drives the payment stack from a terminal: replay a
// card trace through a kernel, inspect the offline queue, look up
// registry tags.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tapforge/softpos"
	"github.com/tapforge/softpos/apdu"
	"github.com/tapforge/softpos/emvcrypto"
	"github.com/tapforge/softpos/kernel"
	"github.com/tapforge/softpos/offline"
	"github.com/tapforge/softpos/store"
	"github.com/tapforge/softpos/tlv"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "softpos",
		Short:         "software point-of-sale EMV toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(tapCmd(), queueCmd(), tagsCmd())
	return root
}

// replayTransceiver feeds card responses from a recorded trace. Trace
// lines starting with '<' are responses; '>' lines document the
// expected commands and '#' lines are comments.
type replayTransceiver struct {
	responses [][]byte
	verbose   bool
}

func loadTrace(path string) (*replayTransceiver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tr := &replayTransceiver{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "<") {
			continue
		}
		raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(line[1:]), " ", ""))
		if err != nil {
			return nil, fmt.Errorf("trace line %q: %w", line, err)
		}
		tr.responses = append(tr.responses, raw)
	}
	return tr, scanner.Err()
}

func (r *replayTransceiver) Transceive(_ context.Context, cmd apdu.Command) (apdu.Response, error) {
	raw, err := cmd.Encode()
	if err != nil {
		return apdu.Response{}, err
	}
	if r.verbose {
		fmt.Printf("> %x\n", raw)
	}
	if len(r.responses) == 0 {
		return apdu.Response{}, apdu.WrapTransport(apdu.ErrCardLost, errors.New("trace exhausted"))
	}
	resp := r.responses[0]
	r.responses = r.responses[1:]
	if r.verbose {
		fmt.Printf("< %x\n", resp)
	}
	return apdu.ParseResponse(resp)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}

func terminalConfig(country, currency string) softpos.Config {
	return softpos.Config{
		Kernel: kernel.Config{
			CountryCode:          country,
			CurrencyCode:         currency,
			IFDSerial:            "SP000001",
			TerminalID:           "SOFTPOS1",
			MerchantID:           "SOFTPOSMERCHANT",
			MerchantNameLocation: "SOFTPOS DEMO",
			ContactlessLimit:     2500000,
			CVMRequiredLimit:     5000,
			AllowNoCVM:           true,
			AllowSignature:       true,
		},
	}
}

func tapCmd() *cobra.Command {
	var (
		trace    string
		amount   uint64
		country  string
		currency string
		debug    bool
		noNetwork bool
	)
	cmd := &cobra.Command{
		Use:   "tap",
		Short: "drive one transaction against a recorded card trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := loadTrace(trace)
			if err != nil {
				return err
			}
			tr.verbose = debug
			log, err := newLogger(debug)
			if err != nil {
				return err
			}
			defer log.Sync()

			kv, err := store.Open([]byte("softpos-demo"), store.NewMemBackend())
			if err != nil {
				return err
			}
			gate, err := offline.NewGate(offline.Policy{
				AllowFirstOffline: true,
				CumulativeCeiling: 50000,
				MaxConsecutive:    5,
			}, kv, log)
			if err != nil {
				return err
			}
			term, err := softpos.NewTerminal(terminalConfig(country, currency), kernel.Collaborators{
				Transceiver: tr,
				Crypto:      emvcrypto.StdProvider{},
				Gate:        gate,
				Log:         log,
			}, nil)
			if err != nil {
				return err
			}

			out, err := term.Tap(cmd.Context(), kernel.Params{
				Amount:           amount,
				Date:             time.Now(),
				NetworkAvailable: !noNetwork,
			})
			if err != nil {
				return err
			}
			printOutcome(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&trace, "trace", "", "path to the card trace file")
	cmd.Flags().Uint64Var(&amount, "amount", 100, "amount in minor units")
	cmd.Flags().StringVar(&country, "country", "0840", "terminal country code")
	cmd.Flags().StringVar(&currency, "currency", "0840", "transaction currency code")
	cmd.Flags().BoolVar(&debug, "debug", false, "log APDU exchanges")
	cmd.Flags().BoolVar(&noNetwork, "offline", false, "treat the network as unavailable")
	cmd.MarkFlagRequired("trace")
	return cmd
}

func printOutcome(out kernel.Outcome) {
	fmt.Printf("outcome: %s\n", out.Kind)
	if out.Label != "" {
		fmt.Printf("application: %s (%x)\n", out.Label, out.AID)
	}
	if out.Reason != "" {
		fmt.Printf("reason: %s\n", out.Reason)
	}
	fmt.Printf("tvr: %x  tsi: %x  cvm: %x\n", out.TVR, out.TSI, out.CVMResults)
	if out.Online != nil {
		fmt.Printf("pan: %s\n", out.Online.MaskedPAN)
		fmt.Printf("icc data: %x\n", out.Online.ICCData)
	}
	if out.Approved != nil {
		fmt.Printf("pan: %s\n", out.Approved.MaskedPAN)
		fmt.Printf("tc: %x\n", out.Approved.TC)
	}
	for _, ph := range out.Phases {
		fmt.Printf("  %-14s %s\n", ph.Name, ph.Duration)
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "inspect the offline store-and-forward queue",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "list queued transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := store.Open([]byte("softpos-demo"), store.NewMemBackend())
			if err != nil {
				return err
			}
			q := offline.NewQueue(kv, nil, 0, nil)
			records, err := q.Records()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("queue empty")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %-9s  %8d  attempts=%d  %s\n",
					r.ID, r.Status, r.Amount, r.Attempts, r.Timestamp.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.AddCommand(list)
	return cmd
}

func tagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags <id>...",
		Short: "look up EMV tags in the registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				id, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 32)
				if err != nil {
					return fmt.Errorf("bad tag id %q: %w", arg, err)
				}
				tag := tlv.Lookup(uint32(id))
				if !tag.Known() {
					fmt.Printf("%X: unknown\n", tag.ID)
					continue
				}
				fmt.Printf("%X: %s (len %d..%d)\n", tag.ID, tag.Name, tag.Min, tag.Max)
			}
			return nil
		},
	}
}
