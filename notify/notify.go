// Package notify hands due-date reminders to a delivery channel. Delivery
// itself happens elsewhere; this package only decides what is due and
// enqueues it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"lifecenter/domain"
)

// Reminder is the message handed to a Notifier.
type Reminder struct {
	Owner   string      `json:"owner"`
	TaskID  string      `json:"taskId"`
	Title   string      `json:"title"`
	DueDate domain.Date `json:"dueDate"`
	Overdue bool        `json:"overdue"`
	SentOn  domain.Date `json:"sentOn"`
}

// Notifier delivers one reminder.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

type queueAPI interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

var _ queueAPI = (*azqueue.QueueClient)(nil)

// QueueNotifier enqueues reminders as JSON messages on an Azure Storage
// queue.
type QueueNotifier struct {
	queue queueAPI
	ttl   time.Duration
}

// NewQueueNotifier connects to queueName. Messages expire after a day, so a
// reminder nobody picked up is not delivered a day late.
func NewQueueNotifier(connStr, queueName string) (*QueueNotifier, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, fmt.Errorf("reminder queue: %w", err)
	}
	return &QueueNotifier{queue: q, ttl: 24 * time.Hour}, nil
}

func (n *QueueNotifier) Notify(ctx context.Context, r Reminder) error {
	data, err := sonic.Marshal(r)
	if err != nil {
		return err
	}
	ttl := int32(n.ttl / time.Second)
	if _, err := n.queue.EnqueueMessage(ctx, string(data), &azqueue.EnqueueMessageOptions{TimeToLive: &ttl}); err != nil {
		return fmt.Errorf("enqueue reminder %s: %w", r.TaskID, err)
	}
	return nil
}

// LogNotifier writes reminders to a logger. It is used when no queue is
// configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, r Reminder) error {
	logger := n.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithFields(log.Fields{
		"owner":   r.Owner,
		"task":    r.TaskID,
		"dueDate": r.DueDate,
		"overdue": r.Overdue,
	}).Infof("reminder: %s", r.Title)
	return nil
}
