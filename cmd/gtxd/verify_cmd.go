package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/gtxd"
	"pkt.systems/gtxd/internal/diagnostics/storagecheck"
	"pkt.systems/gtxd/internal/svcfields"
)

func newVerifyCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostics against the configured environment",
	}
	cmd.AddCommand(newVerifyStoreCommand(v, baseLogger))
	return cmd
}

func newVerifyStoreCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	var showPolicy bool
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Verify the session store supports conditional writes and encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			var cfg gtxd.Config
			bindStoreConfig(v, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			target := storeTarget(cfg)
			store, err := gtxd.OpenSessionStore(cmd.Context(), cfg, svcfields.WithSubsystem(baseLogger, "cli.verify"))
			if err != nil {
				printTarget(out, target)
				fmt.Fprintf(out, "✘ Open: %v\n", err)
				return fmt.Errorf("storage verification failed: %w", err)
			}
			defer store.Close()
			res := storagecheck.Verify(cmd.Context(), store, target)
			printTarget(out, res.Target)
			if store.Encrypted() {
				fmt.Fprintln(out, "Encryption: enabled")
			}
			for _, check := range res.Checks {
				if check.Err != nil {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
					continue
				}
				fmt.Fprintf(out, "✔ %s\n", check.Name)
			}
			if showPolicy && res.Policy != "" {
				fmt.Fprintf(out, "\nSuggested IAM policy:\n%s\n", res.Policy)
			}
			if !res.Passed() {
				return errors.New("storage verification failed")
			}
			fmt.Fprintln(out, "Storage verification succeeded.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPolicy, "policy", false, "print a minimal IAM policy for S3 and AWS stores")
	return cmd
}

func storeTarget(cfg gtxd.Config) storagecheck.Target {
	t := storagecheck.Target{Provider: cfg.StoreMode}
	switch cfg.StoreMode {
	case gtxd.StoreModeFile:
		t.Path = cfg.FileDir
	case gtxd.StoreModeS3:
		t.Endpoint, t.Bucket, t.Prefix = cfg.S3Endpoint, cfg.S3Bucket, cfg.S3Prefix
	case gtxd.StoreModeAWS:
		t.Endpoint, t.Bucket, t.Prefix = cfg.AWSEndpoint, cfg.AWSBucket, cfg.AWSPrefix
	case gtxd.StoreModeAzure:
		t.Endpoint, t.Bucket, t.Prefix = cfg.AzureEndpoint, cfg.AzureContainer, cfg.AzurePrefix
	}
	return t
}

func printTarget(out io.Writer, t storagecheck.Target) {
	fmt.Fprintf(out, "Provider: %s\n", t.Provider)
	if t.Path != "" {
		fmt.Fprintf(out, "Path: %s\n", t.Path)
	}
	if t.Endpoint != "" {
		fmt.Fprintf(out, "Endpoint: %s\n", t.Endpoint)
	}
	if t.Bucket != "" {
		fmt.Fprintf(out, "Bucket: %s\n", t.Bucket)
	}
	if t.Prefix != "" {
		fmt.Fprintf(out, "Prefix: %s\n", t.Prefix)
	}
}
