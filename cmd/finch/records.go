package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/finchley/finch/internal/model"
)

var accountCmd = &cobra.Command{
	Use:     "account",
	GroupID: "data",
	Short:   "Manage accounts",
}

var (
	accountType     string
	accountCurrency string
	accountOpening  string
)

var accountAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		opening, err := decimal.NewFromString(accountOpening)
		if err != nil {
			return fmt.Errorf("invalid opening balance %q: %w", accountOpening, err)
		}

		acc, err := a.stores.Accounts.Create(ctx, model.Account{
			Name:           args[0],
			Type:           accountType,
			Currency:       accountCurrency,
			OpeningBalance: opening,
			Balance:        opening,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created account %s (%s)\n", acc.Name, acc.ID)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tBALANCE\tCURRENCY")
		for _, acc := range a.stores.Accounts.All() {
			if acc.Archived {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				acc.ID, acc.Name, acc.Type, acc.Balance.StringFixed(2), acc.Currency)
		}
		return w.Flush()
	},
}

var accountRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := a.stores.Accounts.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no account with id %s", args[0])
		}
		fmt.Println("Deleted. The deletion will propagate on the next sync.")
		return nil
	},
}

var txCmd = &cobra.Command{
	Use:     "tx",
	GroupID: "data",
	Short:   "Manage transactions",
}

var (
	txAccount  string
	txCategory string
	txDate     string
)

var txAddCmd = &cobra.Command{
	Use:   "add <amount> <description>",
	Short: "Record a transaction (negative amount for an expense)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[0], err)
		}
		acc, ok := a.stores.Accounts.Get(txAccount)
		if !ok {
			return fmt.Errorf("no account with id %s", txAccount)
		}

		tx, err := a.stores.Transactions.Create(ctx, model.Transaction{
			AccountID:   acc.ID,
			Amount:      amount,
			Currency:    acc.Currency,
			Category:    txCategory,
			Description: args[1],
			Date:        txDate,
		})
		if err != nil {
			return err
		}

		// Keep the derived balance current locally; merges recompute it
		// anyway.
		if _, _, err := a.stores.Accounts.Update(ctx, acc.ID, func(acc *model.Account) {
			acc.Balance = acc.Balance.Add(amount)
		}); err != nil {
			return err
		}
		fmt.Printf("Recorded %s on %s (%s)\n", amount.StringFixed(2), acc.Name, tx.ID)
		return nil
	},
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDATE\tAMOUNT\tCATEGORY\tDESCRIPTION")
		for _, tx := range a.stores.Transactions.All() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				tx.ID, tx.Date, tx.Amount.StringFixed(2), tx.Category, tx.Description)
		}
		return w.Flush()
	},
}

var settingsCmd = &cobra.Command{
	Use:     "settings",
	GroupID: "data",
	Short:   "Manage app settings",
}

var settingsCurrencyCmd = &cobra.Command{
	Use:   "currency <code>",
	Short: "Set the display currency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		code := args[0]
		if _, err := a.stores.Settings.Apply(ctx, model.SettingsPatch{DisplayCurrency: &code}); err != nil {
			return err
		}
		fmt.Printf("Display currency set to %s\n", code)
		return nil
	},
}

func init() {
	accountAddCmd.Flags().StringVar(&accountType, "type", "checking", "account type (checking, savings, credit, cash)")
	accountAddCmd.Flags().StringVar(&accountCurrency, "currency", "USD", "account currency")
	accountAddCmd.Flags().StringVar(&accountOpening, "opening", "0", "opening balance")

	txAddCmd.Flags().StringVar(&txAccount, "account", "", "account id")
	txAddCmd.Flags().StringVar(&txCategory, "category", "", "category")
	txAddCmd.Flags().StringVar(&txDate, "date", "", "ISO date (YYYY-MM-DD)")
	_ = txAddCmd.MarkFlagRequired("account")

	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountRmCmd)
	txCmd.AddCommand(txAddCmd, txListCmd)
	settingsCmd.AddCommand(settingsCurrencyCmd)
	rootCmd.AddCommand(accountCmd, txCmd, settingsCmd)
}
