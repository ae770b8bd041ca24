package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	workflowservicepb "go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/utils"
)

// Task queues. The cross-check pass and bisections run on separate queues so
// a backlog of slow bisections never starves the periodic pass.
const (
	QueueCrossCheck = "crosscheck"
	QueueBisect     = "bisect"
)

// Schedule IDs.
const (
	ScheduleCrossCheck = "crosscheck:pass"
)

// Workflow ID patterns.
const (
	WorkflowIDCrossCheck = "crosscheck:%d"  // pass start, unix seconds
	WorkflowIDBisection  = "bisect:%s"      // investigation ID
)

type Client struct {
	TClient   client.Client
	TSClient  client.ScheduleClient
	Namespace string
}

type Health struct {
	ConnectionOK    bool                      `json:"connection_ok"`
	CrossCheckQueue []*taskqueuepb.PollerInfo `json:"crosscheck_queue"`
	BisectQueue     []*taskqueuepb.PollerInfo `json:"bisect_queue"`
}

func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", "poiwatch")
	loggerWrapper := NewZapAdapter(logger)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))
	tClient, err := Dial(ctx, host, ns, loggerWrapper)
	if err != nil {
		return nil, err
	}

	if _, err = tClient.CheckHealth(ctx, nil); err != nil {
		return nil, err
	}

	return &Client{
		TClient:   tClient,
		TSClient:  tClient.ScheduleClient(),
		Namespace: ns,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// CrossCheckWorkflowID returns the workflow ID for a cross-check pass.
func (c *Client) CrossCheckWorkflowID(startedAt time.Time) string {
	return fmt.Sprintf(WorkflowIDCrossCheck, startedAt.Unix())
}

// BisectionWorkflowID returns the workflow ID for a bisection. Derived from
// the investigation's natural identity, so re-opening the same divergence
// dedupes at the workflow level too.
func (c *Client) BisectionWorkflowID(investigationID string) string {
	return fmt.Sprintf(WorkflowIDBisection, investigationID)
}

// GetScheduleSpec returns a schedule spec for the given interval.
func GetScheduleSpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}

// Health returns the health of the Temporal client.
func (c *Client) Health(ctx context.Context) (Health, error) {
	h := Health{ConnectionOK: true}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	svc := c.TClient.WorkflowService()
	if svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: QueueCrossCheck},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.CrossCheckQueue = rep.GetPollers()
		}
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: QueueBisect},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.BisectQueue = rep.GetPollers()
		}
	}
	return h, nil
}

// Close closes the underlying Temporal client.
func (c *Client) Close() {
	c.TClient.Close()
}
