package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/gtxd"
	"pkt.systems/gtxd/api"
	"pkt.systems/gtxd/internal/httpapi"
	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/sessionstore"
	"pkt.systems/gtxd/internal/storage"
	"pkt.systems/gtxd/internal/svcfields"
)

func newSessionsCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect persisted global sessions without a running server",
	}
	cmd.AddCommand(newSessionsListCommand(v, baseLogger))
	cmd.AddCommand(newSessionsWatchCommand(v, baseLogger))
	return cmd
}

func newSessionsListCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print every persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			store, err := openOfflineStore(cmd.Context(), v, baseLogger)
			if err != nil {
				return err
			}
			defer store.Close()
			return printSessions(cmd.Context(), cmd.OutOrStdout(), store, asJSON, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")
	return cmd
}

func newSessionsWatchCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-print sessions whenever the session store changes",
		Long: `Re-print sessions whenever the session store changes. File stores are
watched through filesystem notifications; s3, aws and azure stores are polled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			switch mode := strings.ToLower(v.GetString("store.mode")); mode {
			case gtxd.StoreModeMemory, gtxd.StoreModeMem:
				return fmt.Errorf("sessions watch requires a shared store, %s is process local", mode)
			}
			ctx := cmd.Context()
			store, err := openOfflineStore(ctx, v, baseLogger)
			if err != nil {
				return err
			}
			defer store.Close()
			return watchSessions(ctx, cmd.OutOrStdout(), store)
		},
	}
	return cmd
}

func openOfflineStore(ctx context.Context, v *viper.Viper, baseLogger pslog.Logger) (*sessionstore.Store, error) {
	if _, err := loadConfigFile(v); err != nil {
		return nil, err
	}
	var cfg gtxd.Config
	bindStoreConfig(v, &cfg)
	return gtxd.OpenSessionStore(ctx, cfg, svcfields.WithSubsystem(baseLogger, "cli.sessions"))
}

func watchSessions(ctx context.Context, out io.Writer, store *sessionstore.Store) error {
	feed, ok := store.Backend().(storage.ChangeFeed)
	if !ok {
		return errors.New("store does not support change notifications")
	}
	sub, err := feed.SubscribeChanges(sessionstore.Prefix)
	if err != nil {
		return fmt.Errorf("watch sessions: %w", err)
	}
	defer sub.Close()
	for {
		fmt.Fprintf(out, "-- %s\n", time.Now().Format(time.RFC3339))
		if err := printSessions(ctx, out, store, false, time.Now()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
		}
	}
}

func printSessions(ctx context.Context, out io.Writer, store *sessionstore.Store, asJSON bool, now time.Time) error {
	recs, err := store.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read sessions: %w", err)
	}
	slices.SortFunc(recs, func(a, b *session.GlobalRecord) int {
		if c := a.BeginTimeMS - b.BeginTimeMS; c != 0 {
			if c < 0 {
				return -1
			}
			return 1
		}
		return strings.Compare(a.XID, b.XID)
	})
	if asJSON {
		resp := api.SessionsResponse{Sessions: make([]api.Session, 0, len(recs))}
		for _, rec := range recs {
			resp.Sessions = append(resp.Sessions, httpapi.SessionView(rec, 0))
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "XID\tSTATUS\tACTIVE\tBRANCHES\tBEGAN\tTIMEOUT\tFAILURE")
	for _, rec := range recs {
		began := time.UnixMilli(rec.BeginTimeMS)
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%s\t%s\n",
			rec.XID,
			rec.Status,
			rec.Active,
			len(rec.Branches),
			humanize.RelTime(began, now, "ago", "from now"),
			time.Duration(rec.TimeoutMS)*time.Millisecond,
			rec.Failure,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s session(s)\n", humanize.Comma(int64(len(recs))))
	return err
}
