package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gamehost/pkg/model"
)

// Params names a MySQL server and database. DSN wins when set.
type Params struct {
	DSN      string
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// ParamsFromEnv reads MYSQL_DSN or MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB.
func ParamsFromEnv() Params {
	return Params{
		DSN:      os.Getenv("MYSQL_DSN"),
		Host:     getenv("MYSQL_HOST", "127.0.0.1"),
		Port:     getenv("MYSQL_PORT", "3306"),
		User:     getenv("MYSQL_USER", "root"),
		Password: os.Getenv("MYSQL_PASS"),
		Database: getenv("MYSQL_DB", "gamehost"),
	}
}

func (p Params) dsn() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC", p.User, p.Password, p.Host, p.Port, p.Database)
}

// Open connects to MySQL, creating the database on first use, and migrates
// the coordinator tables.
func Open(p Params) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	db, err := gorm.Open(mysql.Open(p.dsn()), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") || p.DSN != "" {
			return nil, err
		}
		if cerr := createDatabase(p); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		if db, err = gorm.Open(mysql.Open(p.dsn()), cfg); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(
		&model.User{},
		&model.Node{},
		&model.ServerRef{},
		&model.PermissionGrant{},
		&model.LogEntry{},
	); err != nil {
		return nil, err
	}
	return db, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func createDatabase(p Params) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", p.User, p.Password, p.Host, p.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", p.Database))
	return err
}
