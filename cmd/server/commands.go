package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/incapacidades/api"
	"github.com/warp/incapacidades/sheets"
)

// =============================================================================
// SERVE
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		cfg, log := a.cfg, a.log

		scheduler, err := api.NewReminderScheduler(a.engine, cfg.Reminders, log)
		if err != nil {
			a.Close(context.Background())
			return err
		}
		if err := scheduler.Start(); err != nil {
			a.Close(context.Background())
			return err
		}

		handler := api.NewHandler(a.engine, a.rules, log)
		router := api.NewRouter(handler, api.RouterOptions{
			Auth: api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Skip),
			CORS: cfg.CORS,
			Log:  log,
			Demo: !cfg.IsProduction(),
		})

		server := &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErr := make(chan error, 1)
		go func() {
			log.WithFields(logrus.Fields{"addr": server.Addr, "env": cfg.Env}).Info("server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-serverErr:
			if err != nil {
				log.WithError(err).Error("server failed")
			}
		}

		log.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		scheduler.Stop()
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Error("server forced to shutdown")
		}
		if err := a.Close(ctx); err != nil {
			return err
		}
		log.Info("server stopped")
		return nil
	},
}

// =============================================================================
// ROSTER
// =============================================================================

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Employee roster commands",
}

var rosterImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import employees from an .xlsx roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		roster, err := sheets.LoadRoster(args[0])
		if err != nil {
			return err
		}
		for _, skipped := range roster.Skipped() {
			a.log.WithField("row", skipped.Row).Warn(skipped.Reason)
		}
		n, err := roster.Import(cmd.Context(), a.store)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d employees (%d rows skipped)\n", n, len(roster.Skipped()))
		return nil
	},
}

// =============================================================================
// REMINDERS
// =============================================================================

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "Reminder commands",
}

var remindersRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send due reminders once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		report, err := a.engine.SendReminders(cmd.Context(), a.cfg.Reminders.After)
		if err != nil {
			return err
		}
		for _, w := range report.Warnings {
			a.log.WithError(w).Warn("reminder dispatch failed")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d reminders (%d skipped)\n", len(report.Sent), report.Skipped)
		return nil
	},
}

// =============================================================================
// TOKEN
// =============================================================================

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT [NOMBRE]",
	Short: "Sign a reviewer token",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		if a.cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not set")
		}
		nombre := ""
		if len(args) > 1 {
			nombre = args[1]
		}
		token, err := api.NewAuthenticator(a.cfg.Auth.JWTSecret, false).IssueToken(args[0], nombre, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rosterCmd.AddCommand(rosterImportCmd)
	remindersCmd.AddCommand(remindersRunCmd)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
}
