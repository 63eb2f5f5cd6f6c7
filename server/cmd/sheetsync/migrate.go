package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"sheetsync/server/internal/auth"
	"sheetsync/server/internal/config"
	"sheetsync/server/internal/ledger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the SQL ledger schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Ledger.Driver != config.DriverSQL {
			return errors.New("migrate requires ledger.driver=sql")
		}

		store, err := ledger.OpenSQL(cfg.Ledger.URL)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		glog.Infof("[Main] ledger schema is up to date")
		return nil
	},
}

var (
	tokenUser     string
	tokenTTL      time.Duration
	tokenReadOnly bool
)

// tokenCmd 用配置中的密钥签发开发用令牌
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a connection token with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not configured")
		}
		if tokenUser == "" {
			return errors.New("--user is required")
		}

		token, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Sign(tokenUser, tokenReadOnly, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (sub claim)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenReadOnly, "readonly", false, "deny submit on connections using this token")
}
