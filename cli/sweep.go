package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lifecenter/notify"
	"lifecenter/storage"
	"lifecenter/syncer"
)

const sweepConcurrency = 4

func addSweep(topLevel *cobra.Command, ro *rootOptions) {
	var owners []string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the recurrence, streak and reminder sweeps once",
		Example: `
lifecenter sweep --owner auth0|123 --owner auth0|456
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ro.load()
			if err != nil {
				return err
			}
			if len(owners) == 0 {
				owners = []string{""}
			}
			d, err := openDeps(cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			notifier, err := newNotifier(cfg)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(sweepConcurrency)
			for _, owner := range owners {
				owner := owner
				g.Go(func() error {
					return sweepOwner(ctx, d.store, notifier, owner, cfg.PersistTimeout)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringArrayVar(&owners, "owner", nil, "owner to sweep, repeatable (default the guest owner)")
	topLevel.AddCommand(cmd)
}

func sweepOwner(ctx context.Context, store storage.Store, n notify.Notifier, owner string, timeout time.Duration) error {
	c := syncer.New(store, syncer.Options{Owner: owner, PersistTimeout: timeout})
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("owner %q: %w", owner, err)
	}

	created, recErr := c.SweepRecurrence(ctx)
	streakErr := c.RefreshStreaks(ctx)
	sent, remErr := notify.NewSweeper(n, owner, nil).Sweep(ctx, c.Tasks())
	log.WithFields(log.Fields{"owner": owner, "followUps": created, "reminders": sent}).Info("sweep done")
	if err := errors.Join(recErr, streakErr, remErr); err != nil {
		return fmt.Errorf("owner %q: %w", owner, err)
	}
	return nil
}
