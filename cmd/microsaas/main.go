// Package main provides the microsaas command line client. It talks to a
// running gateway over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/UgoRastell/microsaas/internal/client"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "microsaas",
		Short: "Command line client for the microsaas invoicing platform",
		Long: `microsaas is the command line client for the invoicing gateway.

Run 'microsaas invoice create' to create an invoice.
Run 'microsaas --help' for available commands.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8080", "gateway base URL")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")

	rootCmd.AddCommand(
		invoiceCmd(),
		paymentCmd(),
		statusCmd(),
		journalCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func invoiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Create, inspect and send invoices",
	}
	cmd.AddCommand(invoiceCreateCmd(), invoiceGetCmd(), invoiceSendCmd())
	return cmd
}

func invoiceCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an invoice",
		Long: `Create an invoice from one or more line items.

Each --item takes the form "description:quantity:unitPrice":

  microsaas invoice create --account acc_1 --email client@example.com \
    --item "Design work:2:100"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			account, _ := cmd.Flags().GetString("account")
			clientID, _ := cmd.Flags().GetString("client")
			email, _ := cmd.Flags().GetString("email")
			currency, _ := cmd.Flags().GetString("currency")
			netDays, _ := cmd.Flags().GetInt("net-days")
			itemSpecs, _ := cmd.Flags().GetStringArray("item")

			items := make([]client.LineItem, 0, len(itemSpecs))
			for _, spec := range itemSpecs {
				item, err := parseItem(spec)
				if err != nil {
					return err
				}
				items = append(items, item)
			}

			inv, err := newClient(cmd).CreateInvoice(context.Background(), client.CreateInvoiceRequest{
				AccountID:   account,
				ClientID:    clientID,
				ClientEmail: email,
				Currency:    currency,
				Items:       items,
				NetDays:     netDays,
			})
			if err != nil {
				return err
			}
			return printInvoice(cmd, inv)
		},
	}

	cmd.Flags().String("account", "", "account id (required)")
	cmd.Flags().String("client", "", "client id")
	cmd.Flags().String("email", "", "client email address")
	cmd.Flags().String("currency", "", "ISO 4217 currency (server default if empty)")
	cmd.Flags().Int("net-days", 0, "payment terms in days (server default if 0)")
	cmd.Flags().StringArray("item", nil, `line item as "description:quantity:unitPrice" (repeatable)`)
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("item")

	return cmd
}

func invoiceGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <invoice-id>",
		Short: "Fetch an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := newClient(cmd).GetInvoice(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printInvoice(cmd, inv)
		},
	}
}

func invoiceSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <invoice-id>",
		Short: "Render and email an invoice",
		Long: `Render the invoice and email it to the client. This waits for the
delivery result, so it can take several seconds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(cmd).SendInvoice(context.Background(), args[0])
			if err != nil {
				if apiErr, ok := err.(*client.APIError); ok && apiErr.Code == "TIMEOUT" {
					fmt.Fprintln(os.Stderr, apiErr.Message)
				}
				return err
			}

			if outputFormat(cmd) == "json" {
				return printJSON(result)
			}
			fmt.Printf("invoice %s sent (delivery %s) at %s\n",
				result.InvoiceID, result.DeliveryID, result.SentAt.Format(time.RFC3339))
			return nil
		},
	}
}

func paymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Record payments",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Record a payment against an invoice",
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, _ := cmd.Flags().GetString("invoice")
			amount, _ := cmd.Flags().GetFloat64("amount")
			method, _ := cmd.Flags().GetString("method")

			result, err := newClient(cmd).CreatePayment(context.Background(), client.PaymentRequest{
				InvoiceID: invoiceID,
				Amount:    amount,
				Method:    method,
			})
			if err != nil {
				return err
			}

			if outputFormat(cmd) == "json" {
				return printJSON(result)
			}
			fmt.Printf("payment %s recorded: %.2f against %s\n", result.ID, result.Amount, result.InvoiceID)
			fmt.Printf("  invoice status: %s, outstanding: %.2f\n", result.InvoiceStatus, result.Outstanding)
			return nil
		},
	}
	create.Flags().String("invoice", "", "invoice id (required)")
	create.Flags().Float64("amount", 0, "payment amount (required)")
	create.Flags().String("method", "", "payment method label")
	_ = create.MarkFlagRequired("invoice")
	_ = create.MarkFlagRequired("amount")

	cmd.AddCommand(create)
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check gateway health and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			ctx := context.Background()

			health, err := c.Health(ctx)
			if err != nil {
				return err
			}
			ready, err := c.Ready(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("health: %s\n", health.Status)
			fmt.Printf("ready:  %v\n", ready)

			if withStats, _ := cmd.Flags().GetBool("stats"); withStats {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			}
			return nil
		},
	}
	cmd.Flags().Bool("stats", false, "include the operational counters snapshot")
	return cmd
}

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the bus journal via the gateway",
		Long: `Reads journaled bus messages from the gateway's debug endpoint.
Requires the gateway to run with the bus journal enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)

			var since time.Time
			if raw, _ := cmd.Flags().GetString("since"); raw != "" {
				parsed, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return fmt.Errorf("invalid --since, want RFC3339: %w", err)
				}
				since = parsed
			}
			limit, _ := cmd.Flags().GetInt("limit")

			entries, err := c.Journal(context.Background(), since, limit)
			if err != nil {
				return err
			}

			if outputFormat(cmd) == "json" {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("%s  %-30s %s\n", e.Timestamp.Format(time.RFC3339), e.Subject, string(e.Data))
			}
			fmt.Printf("%d entries\n", len(entries))
			return nil
		},
	}
	cmd.Flags().String("since", "", "only entries after this RFC3339 timestamp")
	cmd.Flags().Int("limit", 0, "maximum number of entries (0 = all)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("microsaas %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

func newClient(cmd *cobra.Command) *client.Client {
	cfg := client.DefaultConfig()
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		cfg.BaseURL = server
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.Timeout = timeout
	}
	return client.New(cfg)
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("format")
	return format
}

// parseItem parses "description:quantity:unitPrice". The description may
// itself contain colons, so the numbers are taken from the right.
func parseItem(spec string) (client.LineItem, error) {
	i := strings.LastIndex(spec, ":")
	if i < 0 {
		return client.LineItem{}, fmt.Errorf("invalid item %q: want description:quantity:unitPrice", spec)
	}
	price, err := strconv.ParseFloat(spec[i+1:], 64)
	if err != nil {
		return client.LineItem{}, fmt.Errorf("invalid unit price in item %q: %w", spec, err)
	}

	rest := spec[:i]
	j := strings.LastIndex(rest, ":")
	if j < 0 {
		return client.LineItem{}, fmt.Errorf("invalid item %q: want description:quantity:unitPrice", spec)
	}
	qty, err := strconv.ParseFloat(rest[j+1:], 64)
	if err != nil {
		return client.LineItem{}, fmt.Errorf("invalid quantity in item %q: %w", spec, err)
	}

	desc := rest[:j]
	if desc == "" {
		return client.LineItem{}, fmt.Errorf("invalid item %q: empty description", spec)
	}

	return client.LineItem{Description: desc, Quantity: qty, UnitPrice: price}, nil
}

func printInvoice(cmd *cobra.Command, inv *client.Invoice) error {
	if outputFormat(cmd) == "json" {
		return printJSON(inv)
	}

	fmt.Printf("%s  %s\n", inv.ID, inv.Number)
	fmt.Printf("  account: %s  status: %s\n", inv.AccountID, inv.Status)
	for _, item := range inv.Items {
		fmt.Printf("  - %s (%.2f x %.2f) = %.2f\n", item.Description, item.Quantity, item.UnitPrice, item.Amount)
	}
	fmt.Printf("  subtotal: %.2f  tax: %.2f  total: %.2f %s\n", inv.Subtotal, inv.Tax, inv.Total, inv.Currency)
	fmt.Printf("  due: %s\n", inv.DueAt.Format("2006-01-02"))
	if len(inv.Payments) > 0 {
		fmt.Printf("  payments:\n")
		for _, p := range inv.Payments {
			fmt.Printf("  - %s: %.2f on %s\n", p.ID, p.Amount, p.ReceivedAt.Format("2006-01-02"))
		}
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
