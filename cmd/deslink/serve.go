package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动API服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			// API模式下没有终端可以确认请求
			assumeYes = true

			a, err := openApp(context.Background())
			if err != nil {
				return err
			}
			return a.Serve(context.Background(), port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "API 服务端口，默认读取配置")
	return cmd
}
