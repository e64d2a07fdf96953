package bus

import (
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/lqerrors"
)

type echo struct {
	Text string `json:"text"`
}

// backends returns two connections to the same broker for every bus implementation.
func backends(t *testing.T) map[string]func(t *testing.T) (Bus, Bus) {
	return map[string]func(t *testing.T) (Bus, Bus){
		"memory": func(t *testing.T) (Bus, Bus) {
			hub := NewInMemoryHub()
			a, b := NewInMemoryBus(lqcontext.Background(), hub), NewInMemoryBus(lqcontext.Background(), hub)
			t.Cleanup(func() {
				_ = a.Close()
				_ = b.Close()
			})
			return a, b
		},
		"nats": func(t *testing.T) (Bus, Bus) {
			opts := natsserver.DefaultTestOptions
			opts.Port = -1
			server := natsserver.RunServer(&opts)
			t.Cleanup(server.Shutdown)
			config := NatsConfig{Servers: []string{server.ClientURL()}, SubjectPrefix: "test", ConnectTimeout: time.Second}
			a, err := ConnectNats(lqcontext.Background(), config)
			require.NoError(t, err)
			b, err := ConnectNats(lqcontext.Background(), config)
			require.NoError(t, err)
			t.Cleanup(func() {
				_ = a.Close()
				_ = b.Close()
			})
			return a, b
		},
	}
}

func TestBus_SendSubscribe(t *testing.T) {
	for name, connect := range backends(t) {
		t.Run(name, func(t *testing.T) {
			server, client := connect(t)
			received := make(chan string, 10)
			_, err := server.Channel("job-responses-alice").Subscribe(ActionJobData, func(_ *lqcontext.Context, msg *Message) (any, error) {
				var e echo
				if err := msg.Decode(&e); err != nil {
					return nil, err
				}
				received <- e.Text
				return nil, nil
			})
			require.NoError(t, err)

			ch := client.Channel("job-responses-alice")
			for _, text := range []string{"one", "two", "three"} {
				require.NoError(t, ch.Send(lqcontext.Background(), ActionJobData, echo{Text: text}))
			}
			// Other actions on the channel are not delivered to the subscription.
			require.NoError(t, ch.Send(lqcontext.Background(), ActionJobCompleted, echo{Text: "other"}))

			for _, expected := range []string{"one", "two", "three"} {
				select {
				case text := <-received:
					assert.Equal(t, expected, text)
				case <-time.After(5 * time.Second):
					t.Fatalf("timed out waiting for %s", expected)
				}
			}
			select {
			case text := <-received:
				t.Fatalf("unexpected message %s", text)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestBus_Request(t *testing.T) {
	for name, connect := range backends(t) {
		t.Run(name, func(t *testing.T) {
			server, client := connect(t)
			_, err := server.Channel(JobsChannel).Subscribe(ActionJobStatus, func(_ *lqcontext.Context, msg *Message) (any, error) {
				var e echo
				if err := msg.Decode(&e); err != nil {
					return nil, err
				}
				if e.Text == "fail" {
					return nil, &lqerrors.ErrNotFound{Type: "job", Value: "x"}
				}
				return echo{Text: "re: " + e.Text}, nil
			})
			require.NoError(t, err)

			ch := client.Channel(JobsChannel)
			reply, err := ch.Request(lqcontext.Background(), ActionJobStatus, echo{Text: "hello"}, 5*time.Second)
			require.NoError(t, err)
			var e echo
			require.NoError(t, reply.Decode(&e))
			assert.Equal(t, "re: hello", e.Text)
			assert.NoError(t, reply.Err())

			reply, err = ch.Request(lqcontext.Background(), ActionJobStatus, echo{Text: "fail"}, 5*time.Second)
			require.NoError(t, err)
			assert.Error(t, reply.Err())

			reply, err = ch.Request(lqcontext.Background(), ActionJobStatus, "not an object", 5*time.Second)
			require.NoError(t, err)
			assert.Error(t, reply.Err())
		})
	}
}

func TestBus_RequestTimeout(t *testing.T) {
	for name, connect := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, client := connect(t)
			_, err := client.Channel("agent-nobody").Request(lqcontext.Background(), ActionRun, nil, 50*time.Millisecond)
			assert.ErrorIs(t, err, ErrTimeout)
		})
	}
}

func TestBus_RequestContextCancelled(t *testing.T) {
	for name, connect := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, client := connect(t)
			ctx, cancel := lqcontext.WithTimeout(lqcontext.Background(), 50*time.Millisecond)
			defer cancel()
			_, err := client.Channel("agent-nobody").Request(ctx, ActionRun, nil, time.Minute)
			assert.ErrorIs(t, err, ctx.Err())
		})
	}
}

func TestBus_CloseFailsPendingRequests(t *testing.T) {
	for name, connect := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, client := connect(t)
			ch := client.Channel("agent-nobody")
			other := client.Channel("agent-somebody")

			var wg sync.WaitGroup
			var closedErr, otherErr error
			wg.Add(1)
			ch.Go(ActionRun, nil, time.Minute, func(_ *Message, err error) {
				closedErr = err
				wg.Done()
			})
			done := make(chan struct{})
			other.Go(ActionRun, nil, 100*time.Millisecond, func(_ *Message, err error) {
				otherErr = err
				close(done)
			})

			require.NoError(t, ch.Close())
			wg.Wait()
			assert.ErrorIs(t, closedErr, ErrClosed)

			// Requests on other channels of the same bus are unaffected.
			<-done
			assert.ErrorIs(t, otherErr, ErrTimeout)

			assert.ErrorIs(t, ch.Send(lqcontext.Background(), ActionRun, nil), ErrClosed)
			_, err := ch.Subscribe(ActionRun, func(*lqcontext.Context, *Message) (any, error) { return nil, nil })
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	for name, connect := range backends(t) {
		t.Run(name, func(t *testing.T) {
			server, client := connect(t)
			received := make(chan struct{}, 10)
			sub, err := server.Channel(AgentsChannel).Subscribe(ActionHeartbeat, func(*lqcontext.Context, *Message) (any, error) {
				received <- struct{}{}
				return nil, nil
			})
			require.NoError(t, err)
			require.NoError(t, sub.Unsubscribe())
			require.NoError(t, sub.Unsubscribe())

			_, err = client.Channel(AgentsChannel).Request(lqcontext.Background(), ActionHeartbeat, nil, 100*time.Millisecond)
			assert.ErrorIs(t, err, ErrTimeout)
			assert.Len(t, received, 0)
		})
	}
}

func TestBus_Fanout(t *testing.T) {
	for name, connect := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a, b := connect(t)
			var mu sync.Mutex
			count := 0
			handler := func(*lqcontext.Context, *Message) (any, error) {
				mu.Lock()
				count++
				mu.Unlock()
				return nil, nil
			}
			_, err := a.Channel(InterpolateChannel).Subscribe(ActionResults, handler)
			require.NoError(t, err)
			_, err = b.Channel(InterpolateChannel).Subscribe(ActionResults, handler)
			require.NoError(t, err)

			require.NoError(t, a.Channel(InterpolateChannel).Send(lqcontext.Background(), ActionResults, nil))
			assert.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return count == 2
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestBus_CloseBus(t *testing.T) {
	for name, connect := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, client := connect(t)
			require.NoError(t, client.Check())
			errCh := make(chan error, 1)
			client.Channel("agent-nobody").Go(ActionRun, nil, time.Minute, func(_ *Message, err error) {
				errCh <- err
			})
			require.NoError(t, client.Close())
			assert.True(t, errors.Is(<-errCh, ErrClosed))
			assert.Error(t, client.Check())
		})
	}
}

func TestMessage_Decode(t *testing.T) {
	var e echo
	err := (&Message{Action: ActionRun}).Decode(&e)
	assert.Equal(t, lqerrors.KindProtocol, lqerrors.KindFromError(err))

	err = (&Message{Action: ActionRun, Payload: []byte(`{"text": 1}`)}).Decode(&e)
	assert.Equal(t, lqerrors.KindProtocol, lqerrors.KindFromError(err))
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "job-responses-alice", JobResponsesChannel("alice"))
	assert.Equal(t, "agent-a1", AgentChannel("a1"))
}

func TestValidName(t *testing.T) {
	for name, expected := range map[string]bool{
		"session-1":   true,
		"a_b":         true,
		"":            false,
		"a.b":         false,
		"a*":          false,
		"a>":          false,
		"with space":  false,
		"tab\tinside": false,
	} {
		assert.Equal(t, expected, ValidName(name), name)
	}
}
