package cli

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lifecenter/domain"
)

func addInitStorage(topLevel *cobra.Command, ro *rootOptions) {
	cmd := &cobra.Command{
		Use:   "init-storage",
		Short: "Create the tables and the reminder queue of the remote backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ro.load()
			if err != nil {
				return err
			}
			if cfg.Storage.ConnectionString == "" {
				return errors.New("storage.connection_string is not set")
			}
			tables := make([]string, 0, len(domain.Collections))
			for _, col := range domain.Collections {
				tables = append(tables, cfg.Storage.Tables[col])
			}
			log.Info("storage init starting")
			if err := initStorage(cmd.Context(), cfg.Storage.ConnectionString, tables, []string{cfg.Storage.ReminderQueue}); err != nil {
				return err
			}
			log.Info("storage init complete")
			return nil
		},
	}
	topLevel.AddCommand(cmd)
}

func initStorage(ctx context.Context, connStr string, tables, queues []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return createTables(ctx, connStr, tables) })
	g.Go(func() error { return createQueues(ctx, connStr, queues) })
	return g.Wait()
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
