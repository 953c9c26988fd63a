package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"deslink/internal/app"
	"deslink/internal/config"
	"deslink/internal/directory"
	deserrors "deslink/internal/errors"
	"deslink/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	nodesActive        bool
	nodesSort          string
	nodesMinPriceETH   string
	nodesMaxPriceETH   string
	nodesMinPriceUSD   string
	nodesMaxPriceUSD   string
	nodesMinReputation int
)

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "浏览WiFi节点目录",
	}

	flags := cmd.PersistentFlags()
	flags.BoolVar(&nodesActive, "active", false, "只显示在线节点")
	flags.StringVar(&nodesSort, "sort", string(directory.SortReputationDesc), "排序方式 (reputation_desc, price_eth_asc, price_eth_desc, price_usd_asc, price_usd_desc, connections_desc, newest)")
	flags.StringVar(&nodesMinPriceETH, "min-price-eth", "", "ETH最低价格")
	flags.StringVar(&nodesMaxPriceETH, "max-price-eth", "", "ETH最高价格")
	flags.StringVar(&nodesMinPriceUSD, "min-price-usd", "", "USD最低价格")
	flags.StringVar(&nodesMaxPriceUSD, "max-price-usd", "", "USD最高价格")
	flags.IntVar(&nodesMinReputation, "min-reputation", -1, "最低信誉分")

	search := &cobra.Command{
		Use:   "search [text]",
		Short: "按位置搜索节点",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			client, closeFn, err := openDirectory(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			f, err := nodeFilters()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				f.SearchQuery = args[0]
			}
			return printResult(client.Search(cmd.Context(), f, directory.SortBy(nodesSort)))
		},
	}

	show := &cobra.Command{
		Use:   "show <node-id>",
		Short: "查看单个节点",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("Please enter a valid node ID")
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			client, closeFn, err := openDirectory(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			node, err := client.GetByID(cmd.Context(), id)
			if err != nil {
				return userError(err)
			}
			printNodes([]models.NodeListing{*node})

			if st, err := client.GetSyncStatus(cmd.Context()); err == nil && st != nil {
				fmt.Printf("\nLast synced block %d at %s (%s)\n", st.LastSyncedBlock, st.LastSyncedAt.Format(time.RFC3339), st.Status)
			}
			return nil
		},
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "边输入边搜索，每行输入作为新的搜索词",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			client, closeFn, err := openDirectory(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			f, err := nodeFilters()
			if err != nil {
				return err
			}

			delay := config.Duration(cfg.Directory.Debounce, directory.DefaultDebounce)
			debouncer := client.NewSearchDebouncer(delay, f, directory.SortBy(nodesSort), func(text string, result *directory.SearchResult) {
				fmt.Printf("\n== %q ==\n", text)
				if err := printResult(result); err != nil {
					fmt.Println(err)
				}
			})
			defer debouncer.Stop()

			logger.Debugf("搜索防抖间隔: %v", delay)
			fmt.Println("Type to search locations, Ctrl+D to exit.")
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				debouncer.Input(strings.TrimSpace(scanner.Text()))
			}
			// 输入结束后立即发出最后一次查询并等待结果
			debouncer.Flush()
			return scanner.Err()
		},
	}

	cmd.AddCommand(search, show, watch)
	return cmd
}

// openDirectory 只打开节点目录，不需要连接链
func openDirectory(cfg *config.Config, logger *logrus.Logger) (*directory.Client, func(), error) {
	store, err := app.OpenStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	client := directory.NewClient(store, config.Duration(cfg.Directory.QueryTimeout, 10*time.Second), logger)
	return client, func() { store.Close() }, nil
}

func nodeFilters() (directory.Filters, error) {
	f := directory.Filters{ActiveOnly: nodesActive}

	for _, p := range []struct {
		name   string
		raw    string
		target **decimal.Decimal
	}{
		{"min-price-eth", nodesMinPriceETH, &f.MinPriceETH},
		{"max-price-eth", nodesMaxPriceETH, &f.MaxPriceETH},
		{"min-price-usd", nodesMinPriceUSD, &f.MinPriceUSD},
		{"max-price-usd", nodesMaxPriceUSD, &f.MaxPriceUSD},
	} {
		if p.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(p.raw)
		if err != nil {
			return f, fmt.Errorf("--%s 不是合法的数字: %s", p.name, p.raw)
		}
		*p.target = &d
	}
	if nodesMinReputation >= 0 {
		rep := nodesMinReputation
		f.MinReputation = &rep
	}
	return f, nil
}

func printResult(result *directory.SearchResult) error {
	switch result.Outcome {
	case directory.OutcomeFailed:
		return fmt.Errorf("%s", deserrors.UserMessage(result.Err))
	case directory.OutcomeEmpty:
		fmt.Println("No nodes match your search.")
		return nil
	default:
		printNodes(result.Nodes)
		return nil
	}
}

func printNodes(nodes []models.NodeListing) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tLOCATION\tETH/H\tUSD/H\tREPUTATION\tCONNECTIONS\tSTATUS")
	for _, n := range nodes {
		status := "offline"
		if n.IsActive {
			status = "online"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d (%s)\t%d\t%s\n",
			n.NodeID, n.Location, n.PricePerHourETH.String(), n.PricePerHourUSD.StringFixed(2),
			n.ReputationScore, n.Tier(), n.TotalConnections, status)
	}
	w.Flush()
}
