package main

import (
	"fmt"
	"strconv"

	"deslink/internal/directory"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "节点目录数据库迁移",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "迁移文件目录，默认读取配置")

	run := func(up bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			steps := 0
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("步数必须是正整数: %s", args[0])
				}
				steps = n
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Directory.DSN == "" {
				return fmt.Errorf("未配置 directory.dsn")
			}
			if path == "" {
				path = cfg.Directory.MigrationsPath
			}

			store, err := directory.NewPostgresStore(cfg.Directory.DSN, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			migrator := directory.NewMigrator(store.DB(), path, logger)
			if up {
				return migrator.Up(steps)
			}
			return migrator.Down(steps)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up [n]",
			Short: "执行迁移，默认全部",
			Args:  cobra.MaximumNArgs(1),
			RunE:  run(true),
		},
		&cobra.Command{
			Use:   "down [n]",
			Short: "回滚迁移，默认全部",
			Args:  cobra.MaximumNArgs(1),
			RunE:  run(false),
		},
	)
	return cmd
}
