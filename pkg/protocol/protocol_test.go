package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentmesh/pkg/models"
)

func testCipher(t *testing.T) *AEADCipher {
	t.Helper()
	c, err := NewAEADCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return c
}

func echoDispatcher(c Cipher) *Dispatcher {
	d := NewDispatcher(DispatcherConfig{AgentID: "worker-1", Cipher: c})
	d.Handle("echo", func(_ context.Context, msg *models.Message) (interface{}, error) {
		return msg.Params, nil
	})
	d.Handle("panic", func(context.Context, *models.Message) (interface{}, error) {
		panic("boom")
	})
	d.Handle("reject", func(context.Context, *models.Message) (interface{}, error) {
		return nil, models.NewRPCError(models.CodeInvalidParams, "missing field")
	})
	d.Handle("fail", func(context.Context, *models.Message) (interface{}, error) {
		return nil, errors.New("database unavailable")
	})
	return d
}

func TestDispatcherHandleMessage(t *testing.T) {
	d := echoDispatcher(nil)
	ctx := context.Background()

	t.Run("request gets a result", func(t *testing.T) {
		req := models.NewRequest("echo", map[string]interface{}{"x": "y"}, models.PriorityNormal, models.AuthPublic)
		resp := d.HandleMessage(ctx, req)
		require.NotNil(t, resp)
		assert.Equal(t, req.ID, resp.ID)
		assert.Nil(t, resp.Error)
		assert.JSONEq(t, `{"x":"y"}`, string(resp.Result))
		require.NotEmpty(t, resp.AuditTrail)
		assert.Equal(t, "message_received", resp.AuditTrail[0].Event)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := d.HandleMessage(ctx, models.NewRequest("nope", nil, models.PriorityNormal, models.AuthPublic))
		require.NotNil(t, resp)
		assert.Equal(t, models.CodeMethodNotFound, resp.Error.Code)
	})

	t.Run("panic becomes internal error", func(t *testing.T) {
		resp := d.HandleMessage(ctx, models.NewRequest("panic", nil, models.PriorityNormal, models.AuthPublic))
		require.NotNil(t, resp)
		assert.Equal(t, models.CodeInternal, resp.Error.Code)
	})

	t.Run("handler error becomes internal error", func(t *testing.T) {
		resp := d.HandleMessage(ctx, models.NewRequest("fail", nil, models.PriorityNormal, models.AuthPublic))
		require.NotNil(t, resp)
		assert.Equal(t, models.CodeInternal, resp.Error.Code)
		assert.NotContains(t, resp.Error.Message, "database")
	})

	t.Run("rpc error code is preserved", func(t *testing.T) {
		resp := d.HandleMessage(ctx, models.NewRequest("reject", nil, models.PriorityNormal, models.AuthPublic))
		assert.Equal(t, models.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("notification gets no response", func(t *testing.T) {
		assert.Nil(t, d.HandleMessage(ctx, models.NewNotification("echo", nil, models.PriorityLow, models.AuthPublic)))
		assert.Nil(t, d.HandleMessage(ctx, models.NewNotification("panic", nil, models.PriorityLow, models.AuthPublic)))
	})

	t.Run("malformed request", func(t *testing.T) {
		bad := models.NewRequest("echo", nil, models.PriorityNormal, models.AuthPublic)
		bad.Result = json.RawMessage(`1`)
		resp := d.HandleMessage(ctx, bad)
		require.NotNil(t, resp)
		assert.Equal(t, models.CodeInvalidRequest, resp.Error.Code)
	})

	assert.Equal(t, []string{"echo", "fail", "panic", "reject"}, d.Methods())
}

func TestSealOpenRestoresPayload(t *testing.T) {
	c := testCipher(t)
	msg := models.NewRequest("analyze", map[string]interface{}{"record": "abc"}, models.PriorityHigh, models.AuthSensitive)
	msg.SensitiveContext = map[string]string{"patient": "p-1"}

	require.NoError(t, Seal(msg, c))
	assert.Nil(t, msg.Params)
	assert.Nil(t, msg.SensitiveContext)
	assert.NotEmpty(t, msg.Encrypted)
	assert.NoError(t, msg.Validate())

	require.NoError(t, Open(msg, c))
	assert.Equal(t, "abc", msg.Params["record"])
	assert.Equal(t, "p-1", msg.SensitiveContext["patient"])
	assert.Empty(t, msg.Encrypted)

	public := models.NewRequest("echo", map[string]interface{}{"a": 1}, models.PriorityLow, models.AuthPublic)
	require.NoError(t, Seal(public, c))
	assert.Empty(t, public.Encrypted)

	assert.ErrorIs(t, Seal(models.NewRequest("x", nil, models.PriorityLow, models.AuthEmergency), nil), ErrNoCipher)
}

type slowTransport struct {
	delay time.Duration
	sent  chan *models.Message
}

func (s *slowTransport) Send(ctx context.Context, _ string, msg *models.Message) (*models.Message, error) {
	if s.sent != nil {
		s.sent <- msg
	}
	time.Sleep(s.delay)
	return models.NewResponse(msg, "late")
}

func TestClientTimeoutDiscardsPending(t *testing.T) {
	c := NewClient(&slowTransport{delay: 100 * time.Millisecond}, ClientConfig{AgentID: "caller"})

	_, err := c.SendRequest(context.Background(), "http://agent", "echo", nil, RequestOptions{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.Stats().Pending)
	assert.Equal(t, int64(1), c.Stats().Timeouts)

	assert.Eventually(t, func() bool { return c.Stats().LateResponses == 1 }, time.Second, 10*time.Millisecond)
}

func TestClientResolveOutOfBand(t *testing.T) {
	sent := make(chan *models.Message, 1)
	c := NewClient(&slowTransport{delay: time.Second, sent: sent}, ClientConfig{})

	go func() {
		msg := <-sent
		resp, _ := models.NewResponse(msg, map[string]int{"n": 42})
		c.Resolve(resp)
	}()

	result, err := c.SendRequest(context.Background(), "http://agent", "count", nil, RequestOptions{Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":42}`, string(result))
	assert.False(t, c.Resolve(&models.Message{ID: "unknown"}))
}

func TestEndToEndOverHTTP(t *testing.T) {
	c := testCipher(t)
	srv := NewServer(echoDispatcher(c), ServerConfig{
		Validator: NewStaticTokenValidator("secret"),
		Stats:     func() map[string]float64 { return map[string]float64{"cpu_usage": 0.4} },
	}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(NewHTTPTransport(ts.Client(), "secret"), ClientConfig{AgentID: "caller", Cipher: c})

	t.Run("sensitive request round trip", func(t *testing.T) {
		result, err := client.SendRequest(context.Background(), ts.URL, "echo",
			map[string]interface{}{"record": "r-9"}, RequestOptions{AuthLevel: models.AuthSensitive, Timeout: time.Second})
		require.NoError(t, err)
		assert.JSONEq(t, `{"record":"r-9"}`, string(result))
	})

	t.Run("remote error is returned", func(t *testing.T) {
		_, err := client.SendRequest(context.Background(), ts.URL, "missing", nil, RequestOptions{})
		var rpcErr *models.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, models.CodeMethodNotFound, rpcErr.Code)
		assert.False(t, IsRetryable(err))
	})

	t.Run("notification", func(t *testing.T) {
		assert.NoError(t, client.SendNotification(context.Background(), ts.URL, "echo", nil, RequestOptions{}))
	})

	t.Run("missing token rejected before body is parsed", func(t *testing.T) {
		resp, err := http.Post(ts.URL+PathMessage, "application/json", bytes.NewBufferString("not json"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health and stats", func(t *testing.T) {
		tr := NewHTTPTransport(ts.Client(), "secret")
		_, err := tr.Ping(context.Background(), ts.URL)
		require.NoError(t, err)

		stats, err := tr.Stats(context.Background(), ts.URL)
		require.NoError(t, err)
		assert.Equal(t, 0.4, stats["cpu_usage"])
		assert.Contains(t, stats, "messages_received")
	})

	t.Run("batch", func(t *testing.T) {
		body, _ := json.Marshal(BatchRequest{Messages: []*models.Message{
			models.NewRequest("echo", map[string]interface{}{"i": 1}, models.PriorityNormal, models.AuthPublic),
			models.NewNotification("echo", nil, models.PriorityNormal, models.AuthPublic),
			models.NewRequest("missing", nil, models.PriorityNormal, models.AuthPublic),
		}})
		req, _ := http.NewRequest(http.MethodPost, ts.URL+PathBatch, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer secret")
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var out BatchResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		require.Len(t, out.Responses, 2)
		assert.Nil(t, out.Responses[0].Error)
		assert.Equal(t, models.CodeMethodNotFound, out.Responses[1].Error.Code)
	})
}

func TestJWTValidator(t *testing.T) {
	secret := []byte("k")
	token, err := IssueToken(secret, "agentmesh", "worker-1", time.Minute)
	require.NoError(t, err)

	v := NewJWTValidator(secret, "agentmesh")
	subject, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", subject)

	_, err = NewJWTValidator([]byte("other"), "").Validate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	expired, _ := IssueToken(secret, "agentmesh", "w", -time.Minute)
	_, err = v.Validate(expired)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
