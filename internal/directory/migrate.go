package directory

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// Migrator 目录库表结构迁移
type Migrator struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// NewMigrator 创建迁移器，path 为迁移文件目录
func NewMigrator(db *sql.DB, path string, logger *logrus.Logger) *Migrator {
	return &Migrator{db: db, path: path, logger: logger}
}

// migrateLogger 把迁移日志转到logrus
type migrateLogger struct {
	logger *logrus.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Infof("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.IsLevelEnabled(logrus.DebugLevel)
}

func (m *Migrator) instance() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(m.db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("创建迁移驱动失败: %w", err)
	}

	mg, err := migrate.NewWithDatabaseInstance("file://"+m.path, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("创建迁移实例失败: %w", err)
	}
	mg.Log = &migrateLogger{logger: m.logger}
	return mg, nil
}

// Up 应用全部或n个迁移，n<=0表示全部
func (m *Migrator) Up(n int) error {
	mg, err := m.instance()
	if err != nil {
		return err
	}

	if n > 0 {
		err = mg.Steps(n)
	} else {
		err = mg.Up()
	}
	return m.finish(mg, err, "up")
}

// Down 回滚全部或n个迁移，n<=0表示全部
func (m *Migrator) Down(n int) error {
	mg, err := m.instance()
	if err != nil {
		return err
	}

	if n > 0 {
		err = mg.Steps(-n)
	} else {
		err = mg.Down()
	}
	return m.finish(mg, err, "down")
}

func (m *Migrator) finish(mg *migrate.Migrate, err error, direction string) error {
	if err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("执行 %s 迁移失败: %w", direction, err)
		}
		m.logger.Info("表结构已是最新")
	}

	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("获取迁移版本失败: %w", err)
	}
	if dirty {
		return fmt.Errorf("表结构处于脏状态，版本 %d", version)
	}

	m.logger.Infof("%s 迁移完成，当前版本 %d", direction, version)
	return nil
}
