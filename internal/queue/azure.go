package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
)

type messageEnqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// AzureQueue sends tasks to an Azure Storage queue.
type AzureQueue struct {
	messages messageEnqueuer
	client   *azqueue.QueueClient
}

func NewAzureQueue(connStr, queueName string) (*AzureQueue, error) {
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
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, fmt.Errorf("azure queue client: %w", err)
	}
	return &AzureQueue{messages: qc, client: qc}, nil
}

// EnsureQueue creates the queue if it does not exist yet.
func (q *AzureQueue) EnsureQueue(ctx context.Context) error {
	if q.client == nil {
		return nil
	}
	if _, err := q.client.Create(ctx, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return fmt.Errorf("create azure queue: %w", err)
	}
	return nil
}

func (q *AzureQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.IdempotencyKey, err)
	}
	if _, err := q.messages.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.IdempotencyKey, err)
	}
	return nil
}
