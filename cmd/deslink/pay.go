package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"deslink/internal/journal"
	"deslink/internal/payment"
	"deslink/pkg/models"

	"github.com/spf13/cobra"
)

func newPayCmd() *cobra.Command {
	form := payment.DefaultForm()
	var method string

	cmd := &cobra.Command{
		Use:   "pay",
		Short: "为WiFi节点支付使用时长",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := models.ParsePaymentMethod(method)
			if err != nil {
				return err
			}
			form.Method = parsed

			ctx := context.Background()
			a, err := connectedApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			receipt, err := a.Payments.Submit(ctx, form, func(s payment.Status) {
				switch s {
				case payment.StatusApproving:
					fmt.Println("Approving token...")
				case payment.StatusPaying:
					fmt.Println("Processing payment...")
				}
			}, a.Refresher.Refresh)
			if err != nil {
				return userError(err)
			}

			fmt.Println("Payment successful!")
			if receipt.ApproveTx != "" {
				fmt.Printf("Approve tx: %s\n", receipt.ApproveTx)
			}
			fmt.Printf("Payment tx: %s\n", receipt.PaymentTx)
			fmt.Printf("Explorer:   %s\n", a.Config.Chain.ExplorerTxURL(receipt.PaymentTx))

			if refreshed := a.Refresher.Latest(); refreshed != nil {
				fmt.Println()
				if err := printHistory(refreshed.Dashboard.History); err != nil {
					return err
				}
				if refreshed.Nodes != nil && !refreshed.Nodes.Failed() {
					fmt.Printf("\n%d nodes listed\n", len(refreshed.Nodes.Nodes))
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&form.NodeID, "node", form.NodeID, "节点ID")
	flags.StringVar(&form.Duration, "duration", form.Duration, "时长(秒): 3600, 21600, 43200, 86400")
	flags.StringVar(&form.Amount, "amount", form.Amount, "支付金额")
	flags.StringVar(&method, "method", string(models.PaymentMethodETH), "支付方式: ETH, USDC, USDT")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		limit       int
		showJournal bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看支付历史",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showJournal {
				return printJournal(limit)
			}

			ctx := context.Background()
			a, err := connectedApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			label, err := payment.HistoryLabeler(a.Journal, a.Config.Contract.StablecoinDecimals)
			if err != nil {
				a.Logger.Warnf("读取支付日志失败，历史记录按ETH展示: %v", err)
			}
			return printHistory(payment.BuildLabeledHistory(a.Session.GetUserPayments(ctx), limit, label))
		},
	}

	cmd.Flags().IntVar(&limit, "limit", payment.DefaultHistoryLimit, "最多显示条数")
	cmd.Flags().BoolVar(&showJournal, "journal", false, "显示本地支付日志而不是链上记录")
	return cmd
}

func printHistory(entries []payment.HistoryEntry) error {
	if len(entries) == 0 {
		fmt.Println("No payments yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tNODE\tAMOUNT\tSTATUS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Date, e.Node, e.Amount, e.Status)
	}
	return w.Flush()
}

// printJournal 本地日志不需要连接钱包
func printJournal(limit int) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Journal == nil || cfg.Journal.Path == "" {
		return fmt.Errorf("未配置 journal.path")
	}

	j, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.List(limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Journal is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tCREATED\tNODE\tAMOUNT\tSTATUS\tTX\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s %s\t%s\t%s\t%s\n",
			e.Seq, e.CreatedAt.Format("2006-01-02 15:04:05"), e.NodeID, e.Amount, e.Method,
			e.Status, e.PaymentTx, e.Error)
	}
	return w.Flush()
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "查看网络统计",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := connectedApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats := a.Session.GetNetworkStats(ctx)
			if stats == nil {
				return fmt.Errorf("Failed to load network stats")
			}

			fmt.Printf("Total nodes:  %s\n", stats.TotalNodes)
			fmt.Printf("Active nodes: %s\n", stats.ActiveNodes)
			fmt.Printf("Total volume: %s ETH\n", stats.TotalVolumeETH().String())
			fmt.Printf("Total users:  %s\n", stats.TotalUsers)
			return nil
		},
	}
}
