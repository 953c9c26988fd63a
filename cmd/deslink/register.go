package main

import (
	"context"
	"errors"
	"fmt"

	"deslink/internal/registration"

	"github.com/spf13/cobra"
)

func newRegisterCmd() *cobra.Command {
	form := registration.DefaultForm()

	cmd := &cobra.Command{
		Use:   "register",
		Short: "注册新的WiFi节点",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := connectedApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			result, err := a.Registrar.Register(ctx, form)
			if err != nil {
				return errors.New(registration.Message(err))
			}

			fmt.Printf("Node registered at %s (%s ETH/h, %s USD/h)\n", result.Location, result.PriceETH, result.PriceUSD)
			fmt.Printf("Tx: %s\n", a.Config.Chain.ExplorerTxURL(result.TxHash))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&form.Location, "location", "", "节点位置")
	flags.StringVar(&form.PriceETH, "price-eth", form.PriceETH, "每小时ETH价格")
	flags.StringVar(&form.PriceUSD, "price-usd", form.PriceUSD, "每小时USD价格")
	return cmd
}
