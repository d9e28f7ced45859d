package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/hyperbook/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperbook/pkg/crypto"
)

func main() {
	if err := NewCLI().root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// CLI signs one transaction per invocation and prints it as JSON
type CLI struct {
	root *cobra.Command

	key      string
	nonce    uint64
	deadline uint64
	chainID  int64
	market   string
	submit   string
}

func NewCLI() *CLI {
	cli := &CLI{}
	cli.root = &cobra.Command{
		Use:           "sign-tx",
		Short:         "Sign a market transaction with EIP-712",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := cli.root.PersistentFlags()
	f.StringVar(&cli.key, "key", "", "hex private key; a new key is generated when empty")
	f.Uint64Var(&cli.nonce, "nonce", 0, "signer nonce (GET /api/v1/accounts/{addr}/nonce)")
	f.Uint64Var(&cli.deadline, "deadline", 0, "unix seconds after which the tx is rejected; 0 = none")
	f.Int64Var(&cli.chainID, "chain-id", 1337, "EIP-712 domain chain id")
	f.StringVar(&cli.market, "market", "0x00000000000000000000000000000000000e5c40", "market address (EIP-712 verifying contract)")
	f.StringVar(&cli.submit, "submit", "", "node URL; POSTs the tx to /api/v1/tx when set")

	cli.root.AddCommand(
		cli.offerCmd(),
		cli.cancelCmd(),
		cli.takeCmd(),
		cli.sweepCmd("sell-all", crypto.SweepSellAll, "Sell an exact amount into the book", "min-fill"),
		cli.sweepCmd("buy-all", crypto.SweepBuyAll, "Buy an exact amount from the book", "max-fill"),
		cli.withdrawCmd(),
		cli.adminCmd(),
	)
	return cli
}

func (cli *CLI) offerCmd() *cobra.Command {
	var payAmt, payGem, buyAmt, buyGem, recipient string
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Place a limit offer: pay pay-amt of pay-gem for buy-amt of buy-gem",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := &crypto.OfferEIP712{}
			var err error
			if msg.PayAmt, err = amount("pay-amt", payAmt); err != nil {
				return err
			}
			if msg.BuyAmt, err = amount("buy-amt", buyAmt); err != nil {
				return err
			}
			if msg.PayGem, err = address("pay-gem", payGem); err != nil {
				return err
			}
			if msg.BuyGem, err = address("buy-gem", buyGem); err != nil {
				return err
			}
			if recipient != "" {
				if msg.Recipient, err = address("recipient", recipient); err != nil {
					return err
				}
			}
			return cli.run(func(a crypto.Auth) crypto.TypedMessage { msg.Auth = a; return msg })
		},
	}
	cmd.Flags().StringVar(&payAmt, "pay-amt", "", "amount escrowed")
	cmd.Flags().StringVar(&payGem, "pay-gem", "", "asset paid")
	cmd.Flags().StringVar(&buyAmt, "buy-amt", "", "amount wanted")
	cmd.Flags().StringVar(&buyGem, "buy-gem", "", "asset wanted")
	cmd.Flags().StringVar(&recipient, "recipient", "", "proceeds recipient; defaults to the signer")
	return cmd
}

func (cli *CLI) cancelCmd() *cobra.Command {
	var id uint64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a resting offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.run(func(a crypto.Auth) crypto.TypedMessage {
				return &crypto.CancelEIP712{OfferID: id, Auth: a}
			})
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "offer id")
	return cmd
}

func (cli *CLI) takeCmd() *cobra.Command {
	var id uint64
	var qty string
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Buy quantity of a specific offer's pay asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := amount("quantity", qty)
			if err != nil {
				return err
			}
			return cli.run(func(a crypto.Auth) crypto.TypedMessage {
				return &crypto.TakeEIP712{OfferID: id, Quantity: q, Auth: a}
			})
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "offer id")
	cmd.Flags().StringVar(&qty, "quantity", "", "amount of the offer's pay asset")
	return cmd
}

func (cli *CLI) sweepCmd(use string, kind uint8, short, limitName string) *cobra.Command {
	var payGem, buyGem, amt, limit string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := &crypto.SweepEIP712{Kind: kind}
			var err error
			if msg.PayGem, err = address("pay-gem", payGem); err != nil {
				return err
			}
			if msg.BuyGem, err = address("buy-gem", buyGem); err != nil {
				return err
			}
			if msg.Amount, err = amount("amount", amt); err != nil {
				return err
			}
			if msg.Limit, err = amount(limitName, limit); err != nil {
				return err
			}
			return cli.run(func(a crypto.Auth) crypto.TypedMessage { msg.Auth = a; return msg })
		},
	}
	cmd.Flags().StringVar(&payGem, "pay-gem", "", "asset paid")
	cmd.Flags().StringVar(&buyGem, "buy-gem", "", "asset bought")
	cmd.Flags().StringVar(&amt, "amount", "", "exact amount sold (sell-all) or bought before fees (buy-all)")
	cmd.Flags().StringVar(&limit, limitName, "0", "slippage bound")
	return cmd
}

func (cli *CLI) withdrawCmd() *cobra.Command {
	var asset, amt string
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw free balance to the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := address("asset", asset)
			if err != nil {
				return err
			}
			v, err := amount("amount", amt)
			if err != nil {
				return err
			}
			return cli.run(func(auth crypto.Auth) crypto.TypedMessage {
				return &crypto.WithdrawEIP712{Asset: a, Amount: v, Auth: auth}
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset to withdraw")
	cmd.Flags().StringVar(&amt, "amount", "", "amount")
	return cmd
}

func (cli *CLI) adminCmd() *cobra.Command {
	var action, asset, account, value string
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Change market configuration (owner only)",
		Long: "Actions: " + strings.Join([]string{
			transaction.AdminSetFeeBPS, transaction.AdminSetMakerFee, transaction.AdminSetFeeTo,
			transaction.AdminSetMatchingEnabled, transaction.AdminSetBuyEnabled,
			transaction.AdminSetMinSell, transaction.AdminTransferOwnership,
		}, ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := &crypto.AdminEIP712{Action: action}
			var err error
			if asset != "" {
				if msg.Asset, err = address("asset", asset); err != nil {
					return err
				}
			}
			if account != "" {
				if msg.Account, err = address("account", account); err != nil {
					return err
				}
			}
			if msg.Value, err = amount("value", value); err != nil {
				return err
			}
			return cli.run(func(a crypto.Auth) crypto.TypedMessage { msg.Auth = a; return msg })
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "admin action")
	cmd.Flags().StringVar(&asset, "asset", "", "asset (set_min_sell)")
	cmd.Flags().StringVar(&account, "account", "", "account (set_fee_to, transfer_ownership)")
	cmd.Flags().StringVar(&value, "value", "0", "bps, flag (0/1) or amount")
	return cmd
}

// run signs the message built by build, checks it round-trips through the
// node's parser and verifier, prints it, and optionally submits it
func (cli *CLI) run(build func(crypto.Auth) crypto.TypedMessage) error {
	signer, err := cli.signer()
	if err != nil {
		return err
	}
	market, err := address("market", cli.market)
	if err != nil {
		return err
	}
	domain := crypto.DefaultDomain(market)
	domain.ChainID = big.NewInt(cli.chainID)

	msg := build(crypto.Auth{Nonce: cli.nonce, Deadline: cli.deadline, Owner: signer.Address()})
	sig, err := crypto.NewEIP712Signer(domain).Sign(signer, msg)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	tx, err := transaction.NewSignedTransaction(msg, sig)
	if err != nil {
		return err
	}
	raw, err := tx.Serialize()
	if err != nil {
		return err
	}
	parsed, err := transaction.ParseTransaction(raw)
	if err != nil {
		return err
	}
	v, err := transaction.NewVerifier(domain).Verify(parsed, time.Now())
	if err != nil {
		return fmt.Errorf("self-check: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Signer: %s (nonce %d)\n", v.Caller.Hex(), v.Nonce)

	pretty, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))

	if cli.submit == "" {
		return nil
	}
	url := strings.TrimRight(cli.submit, "/") + "/api/v1/tx"
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("submit: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	fmt.Fprintf(os.Stderr, "Submitted: %s\n", bytes.TrimSpace(body))
	return nil
}

func (cli *CLI) signer() (*crypto.Signer, error) {
	if cli.key != "" {
		return crypto.FromPrivateKeyHex(cli.key)
	}
	s, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "Generated key %s (KEEP SECRET!)\n", s.PrivateKeyHex())
	return s, nil
}

func amount(name, v string) (uint256.Int, error) {
	x, err := uint256.FromDecimal(v)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("--%s: %w", name, err)
	}
	return *x, nil
}

func address(name, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, v)
	}
	return common.HexToAddress(v), nil
}
