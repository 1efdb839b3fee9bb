package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/ecrlink/internal/logging"
	"github.com/danmuck/ecrlink/internal/protocol/ecr"
	"github.com/danmuck/ecrlink/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "cmd/ecrbridge/config.toml"

func main() {
	logging.ConfigureRuntime("ecrbridge")
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ecrbridge",
		Short:        "HTTP and event bridge for an ECR payment terminal",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), configCmd(), frameCmd())
	return root
}

func serveCmd() *cobra.Command {
	var path string
	var sim bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := service.DefaultServiceConfig()
			if path != "" {
				loaded, err := loadServiceConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if sim {
				cfg.Transport = service.TransportSim
			}
			svc, err := service.NewService(cfg)
			if err != nil {
				return err
			}
			log.Info().Str("addr", cfg.ListenAddr).Str("transport", cfg.Transport).Msg("ecrbridge starting")
			return svc.Run()
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "config.toml path (defaults when empty)")
	cmd.Flags().BoolVar(&sim, "sim", false, "use the in-process simulated terminal")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate config files",
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeTemplate(output, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", defaultConfigPath, "output path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var input string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a config file and report errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadServiceConfig(input); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated config at %s\n", input)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&input, "config", "c", defaultConfigPath, "config path")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

// frameCmd prints the wire frame for a request without a terminal attached.
func frameCmd() *cobra.Command {
	var req ecr.Request
	var typ, at, requestString, signInput string
	cmd := &cobra.Command{
		Use:   "frame",
		Short: "Encode a request and print the frame as hex",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ecr.ParseTransactionType(typ)
			if err != nil {
				return err
			}
			if requestString != "" {
				parsed, err := ecr.ParseRequest(t, requestString)
				if err != nil {
					return err
				}
				parsed.Signature = req.Signature
				req = parsed
			} else {
				req.Type = t
				req.DateTime = time.Now()
				if at != "" {
					req.DateTime, err = time.ParseInLocation(ecr.DateTimeLayout, at, time.Local)
					if err != nil {
						return fmt.Errorf("date-time must be DDMMYYhhmmss: %w", err)
					}
				}
			}
			if signInput != "" {
				if req.Signature != "" {
					return fmt.Errorf("--signature and --sign-input are exclusive")
				}
				req.Signature = ecr.ComputeSignature(signInput)
			}
			raw, err := ecr.Pack(req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(raw))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&typ, "type", "t", "purchase", "transaction type name, command code or number")
	f.StringVar(&at, "date-time", "", "DDMMYYhhmmss timestamp (defaults to now)")
	f.Int64Var(&req.Amount, "amount", 0, "amount in minor units")
	f.Int64Var(&req.CashbackAmount, "cashback", 0, "cashback amount in minor units")
	f.BoolVar(&req.PrintReceipt, "print", false, "ask the terminal to print a receipt")
	f.StringVar(&req.RefNum, "ref-num", "", "ECR reference number")
	f.StringVar(&req.RRN, "rrn", "", "retrieval reference number of the original transaction")
	f.StringVar(&req.OrigTranDate, "orig-date", "", "original transaction date DDMMYY")
	f.StringVar(&req.OrigApprovalCode, "approval", "", "original approval code")
	f.StringVar(&req.CashRegister, "cash-register", "", "8 character cash register number")
	f.StringVar(&req.Signature, "signature", "", "64 character signature")
	f.StringVar(&signInput, "sign-input", "", "derive the signature as the SHA-256 hex of this value")
	f.StringVar(&requestString, "request", "", "\";\"-separated, \"!\"-terminated request string; replaces the field flags")
	return cmd
}
