package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/reservation-sync/pkg/app"
	"github.com/synaptica-ai/reservation-sync/pkg/auth"
	"github.com/synaptica-ai/reservation-sync/pkg/common/config"
	"github.com/synaptica-ai/reservation-sync/pkg/common/database"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
	"github.com/synaptica-ai/reservation-sync/pkg/consent"
	"github.com/synaptica-ai/reservation-sync/pkg/dlp"
	"github.com/synaptica-ai/reservation-sync/pkg/intake"
	"github.com/synaptica-ai/reservation-sync/pkg/reservation"
)

func main() {
	logger.InitCLI("reservationctl")

	rootCmd := &cobra.Command{
		Use:          "reservationctl",
		Short:        "Operator tooling for the reservation sync service",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(syncOnceCmd())
	rootCmd.AddCommand(addPatientCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// fetchCmd pages through the active reservations and reports counts only.
func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the active reservation feed and report how much of it resolves locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Load()

			redisClient := database.NewRedis(ctx, cfg)
			defer redisClient.Close()
			client, err := app.NewConsentClient(cfg, redisClient)
			if err != nil {
				return err
			}
			store, err := app.NewStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Cache.Load(ctx, store.Repository); err != nil {
				return err
			}

			var pages, total, resolved int
			fetchErr := client.FetchActiveReservations(ctx, cfg.ConsentDefinitionGUID, cfg.ConsentPartCode, func(page []consent.ActiveReservation) error {
				pages++
				for _, entry := range page {
					total++
					if _, ok := store.Cache.FindPatientKeyByIdentifier(entry.NationalID); ok {
						resolved++
					}
				}
				return nil
			})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pages:               %d\n", pages)
			fmt.Fprintf(out, "active reservations: %d\n", total)
			fmt.Fprintf(out, "resolved locally:    %d\n", resolved)
			fmt.Fprintf(out, "unresolved:          %d\n", total-resolved)
			if fetchErr != nil {
				return fmt.Errorf("feed incomplete: %w", fetchErr)
			}
			return nil
		},
	}
}

// setCmd sends one reservation change described by a JSON request file.
func setCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set or withdraw a reservation in the national registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return errors.New("--file is required")
			}
			content, err := os.ReadFile(filepath.Clean(path))
			if err != nil {
				return fmt.Errorf("read request file: %w", err)
			}
			var req consent.SetReservationRequest
			if err := json.Unmarshal(content, &req); err != nil {
				return fmt.Errorf("parse request file: %w", err)
			}
			if req.ProofPath != "" && !filepath.IsAbs(req.ProofPath) {
				req.ProofPath = filepath.Join(filepath.Dir(path), req.ProofPath)
			}

			ctx := cmd.Context()
			cfg := config.Load()
			redisClient := database.NewRedis(ctx, cfg)
			defer redisClient.Close()
			client, err := app.NewConsentClient(cfg, redisClient)
			if err != nil {
				return err
			}

			result, err := client.SetReservation(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "success: %t\n", result.Success)
			fmt.Fprintf(out, "changed: %t\n", result.Changed)
			if !result.Success {
				fmt.Fprintf(out, "error:   %s %s\n", result.ErrorCode, dlp.MustDefault().Scrub(result.ErrorMessage))
				return errors.New("registry rejected the request")
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the JSON request (innbyggerFnr, aktiv, datetime, pathToBevisInnhold)")
	return cmd
}

func syncOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single reconciliation cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			service, err := app.New(ctx, config.Load())
			if err != nil {
				return err
			}
			defer service.Close()

			report := service.Orchestrator.RunCycle(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sync run:             %d\n", report.RunID)
			fmt.Fprintf(out, "outcome:              %s\n", report.Outcome)
			fmt.Fprintf(out, "pages:                %d\n", report.Pages)
			fmt.Fprintf(out, "new reservations:     %d\n", report.New)
			fmt.Fprintf(out, "withdrawn:            %d\n", report.Withdrawn)
			fmt.Fprintf(out, "unresolved:           %d\n", report.Unresolved)
			fmt.Fprintf(out, "propagation failures: %d\n", report.PropagationFailures)
			if report.Outcome != reservation.OutcomeCompleted {
				return fmt.Errorf("cycle %s: %w", report.Outcome, report.Err)
			}
			return nil
		},
	}
}

func addPatientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-patient",
		Short: "Register a patient in the encrypted store",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.IntakeRequest{}
			req.NationalID, _ = cmd.Flags().GetString("national-id")
			req.IdentifierType, _ = cmd.Flags().GetString("type")
			req.Name, _ = cmd.Flags().GetString("name")
			req.Registry, _ = cmd.Flags().GetString("registry")
			req.OISPatientID, _ = cmd.Flags().GetString("ois-id")
			req.EPJPatientID, _ = cmd.Flags().GetString("epj-id")

			ctx := cmd.Context()
			store, err := app.NewStore(config.Load())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Cache.Load(ctx, store.Repository); err != nil {
				return err
			}

			resp, err := intake.NewService(store.Repository, store.Cache).AddPatient(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "patient key: %s (created: %t)\n", resp.PatientKey, resp.Created)
			return nil
		},
	}
	cmd.Flags().String("national-id", "", "Birth number, D-number or help number")
	cmd.Flags().String("type", "", "Identifier type F, D or H (inferred when empty)")
	cmd.Flags().String("name", "", "Patient name")
	cmd.Flags().String("registry", "", "Source registry, e.g. KREST-OUS")
	cmd.Flags().String("ois-id", "", "OIS patient id")
	cmd.Flags().String("epj-id", "", "EPJ patient id")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the service API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.APITokenSecret == "" {
				return errors.New("API_TOKEN_SECRET is not set")
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.IssueOperatorToken(cfg.APITokenSecret, cfg.APITokenIssuer, cfg.APITokenAudience, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "operator", "Token subject")
	cmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")
	return cmd
}
