/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// vpsd is the VPS rental control plane: HTTP API, payment gateway
// callbacks, hypervisor provisioning, and the expiration sweeper, all in
// one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietstack/vpsd/internal/api"
	"github.com/vietstack/vpsd/internal/auth"
	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/mail"
	"github.com/vietstack/vpsd/internal/obs/logging"
	"github.com/vietstack/vpsd/internal/order"
	"github.com/vietstack/vpsd/internal/payment"
	"github.com/vietstack/vpsd/internal/provision"
	"github.com/vietstack/vpsd/internal/store/memstore"
	"github.com/vietstack/vpsd/internal/sweeper"
	"github.com/vietstack/vpsd/internal/version"
	"github.com/vietstack/vpsd/internal/vps"
)

var (
	configFile string
	listenAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "vpsd",
		Short:   "VPS rental control plane",
		Long:    "vpsd serves the customer API, processes payment gateway callbacks,\nprovisions VMs on the hypervisor cluster, and sweeps expired instances.",
		Version: version.String(),
		RunE:    run,
	}
	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to YAML config file overlaying environment defaults")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address, overrides config")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	manager, err := config.NewManager(configFile)
	if err != nil {
		return err
	}
	defer manager.Close() //nolint:errcheck

	cfg := manager.Get()
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Setup(&logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Sampling:    cfg.Log.Sampling,
		Development: cfg.Log.Development,
	}); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	log := logging.Root().WithName("vpsd")

	st := memstore.New()

	var mailer mail.Mailer = mail.Noop{}
	if cfg.SMTP.Host != "" {
		mailer = mail.NewSMTP(cfg.SMTP)
	} else {
		log.Info("no SMTP relay configured, account mail is disabled")
	}

	authSvc := auth.NewService(st, cfg.Auth, mailer)
	orderSvc := order.NewService(st)
	paySvc := payment.NewService(st,
		payment.NewMoMoDriver(cfg.MoMo),
		payment.NewVNPayDriver(cfg.VNPay),
	)
	coord := provision.NewCoordinator(st, cfg.Hypervisor)
	vpsSvc := vps.NewService(st, coord, 0)
	sweep := sweeper.New(st, coord, cfg.Sweep.Interval, cfg.Sweep.GracePeriod)

	server := api.New(api.Deps{
		Store:        st,
		Auth:         authSvc,
		Orders:       orderSvc,
		Payments:     paySvc,
		Prov:         coord,
		VPS:          vpsSvc,
		VNCUpstream:  cfg.Hypervisor.Endpoint(),
		VNCVerifyTLS: cfg.Hypervisor.VerifyTLS,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweep.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
