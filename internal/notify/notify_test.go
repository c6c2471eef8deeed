package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"leadmarket-platform/pkg/logger"

	"github.com/hibiken/asynq"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkFunc struct {
	name string
	fn   func(ctx context.Context, e Event) error
}

func (s sinkFunc) Name() string                            { return s.name }
func (s sinkFunc) Send(ctx context.Context, e Event) error { return s.fn(ctx, e) }

func TestDispatcher_FansOutAndIsolatesFailures(t *testing.T) {
	var mu sync.Mutex
	var got []string
	record := func(name string) func(context.Context, Event) error {
		return func(_ context.Context, e Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+string(e.Kind))
			return nil
		}
	}
	d := NewDispatcher(logger.Discard(), time.Second,
		sinkFunc{"a", record("a")},
		sinkFunc{"failing", func(context.Context, Event) error { return errors.New("down") }},
		sinkFunc{"panicking", func(context.Context, Event) error { panic("boom") }},
		sinkFunc{"b", record("b")},
	)

	ctx, cancel := context.WithCancel(context.Background())
	d.Notify(ctx, Event{Kind: KindLeadPurchased, UserID: "u1"})
	cancel()
	d.Wait()

	assert.ElementsMatch(t, []string{"a:lead_purchased", "b:lead_purchased"}, got)
}

func TestDispatcher_DeliveryOutlivesCallerContext(t *testing.T) {
	var sawErr error
	d := NewDispatcher(logger.Discard(), time.Second, sinkFunc{"ctx", func(ctx context.Context, _ Event) error {
		sawErr = ctx.Err()
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, Event{Kind: KindLowBalance})
	d.Wait()
	assert.NoError(t, sawErr)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "t1"}, nil
}

func TestAsynqSink_EnqueuesDeliveryTask(t *testing.T) {
	q := &fakeEnqueuer{}
	s := NewAsynqSink(q, "")
	e := Event{Kind: KindTopUpFailed, UserID: "u1", Amount: decimal.NewFromInt(50)}

	require.NoError(t, s.Send(context.Background(), e))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TypeDeliverNotification, q.tasks[0].Type())

	var decoded Event
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &decoded))
	assert.Equal(t, KindTopUpFailed, decoded.Kind)
	assert.True(t, decoded.Amount.Equal(decimal.NewFromInt(50)))

	q.err = errors.New("redis down")
	assert.Error(t, s.Send(context.Background(), e))
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaSink_KeysByUser(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSink(w)
	require.NoError(t, s.Send(context.Background(), Event{Kind: KindReturnApproved, UserID: "u9", LeadID: "l1"}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u9", string(w.msgs[0].Key))
	assert.Equal(t, "kind", w.msgs[0].Headers[0].Key)
	assert.Contains(t, string(w.msgs[0].Value), `"lead_id":"l1"`)
}

func TestWorker_HandleDeliverNotification(t *testing.T) {
	status := http.StatusNoContent
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	w := NewWorker(srv.URL, srv.Client(), logger.Discard())
	task, err := NewDeliverNotificationTask(Event{Kind: KindLeadPurchased, UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, w.HandleDeliverNotification(context.Background(), task))
	assert.Contains(t, string(body), `"kind":"lead_purchased"`)

	status = http.StatusBadGateway
	err = w.HandleDeliverNotification(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	status = http.StatusBadRequest
	err = w.HandleDeliverNotification(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = w.HandleDeliverNotification(context.Background(), asynq.NewTask(TypeDeliverNotification, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWorker_NoWebhookDrops(t *testing.T) {
	w := NewWorker("", nil, logger.Discard())
	task, err := NewDeliverNotificationTask(Event{Kind: KindLowBalance, UserID: "u1"})
	require.NoError(t, err)
	assert.NoError(t, w.HandleDeliverNotification(context.Background(), task))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Notify(context.Background(), Event{Kind: KindLowBalance})
	r.Notify(context.Background(), Event{Kind: KindLeadPurchased})
	assert.Equal(t, []Kind{KindLowBalance, KindLeadPurchased}, r.Kinds())
	assert.Len(t, r.Events(), 2)
}
