package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/askchat/internal/config"
	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/liliang-cn/askchat/internal/repository"
	"github.com/liliang-cn/askchat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc   *ChatService
	creds *repository.CredentialRepository
	base  string
}

func fakeBackend() *gin.Engine {
	ok := func(data any) gin.H { return gin.H{"code": 0, "message": "", "data": data} }
	authed := func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer tok-1" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "message": "token expired"})
		}
	}

	r := gin.New()
	r.POST("/api/v1/auth/login", func(c *gin.Context) {
		var req domain.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Password != "pw" {
			c.JSON(http.StatusOK, gin.H{"code": 109, "message": "wrong password"})
			return
		}
		c.JSON(http.StatusOK, ok(gin.H{"token": "tok-1", "user": gin.H{"id": "u1", "email": req.Email}}))
	})

	api := r.Group("/api/v1", authed)
	api.GET("/assistants", func(c *gin.Context) {
		c.JSON(http.StatusOK, ok([]gin.H{{"id": "a1", "name": "Support"}}))
	})
	api.POST("/sessions", func(c *gin.Context) {
		var req domain.CreateSessionRequest
		_ = c.ShouldBindJSON(&req)
		c.JSON(http.StatusOK, ok(gin.H{"id": "s1", "chat_id": req.AssistantID, "name": req.Name}))
	})
	api.DELETE("/sessions/:id", func(c *gin.Context) { c.JSON(http.StatusOK, ok(true)) })
	api.GET("/sessions/:id/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, ok([]gin.H{
			{"id": "m1", "role": "user", "content": "hi", "timestamp": 4102444800000},
		}))
	})
	api.POST("/sessions/:id/messages/stream", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
		for _, line := range []string{
			`data: {"code":0,"data":{"answer":"Restart it"}}`,
			`data: {"code":0,"data":{"answer":"Restart it ##1$$.","reference":{"total":1,"chunks":[{"id":"c1","document_id":"d1","document_name":"guide.pdf","content":"Hold the power button."}],"doc_aggs":[{"doc_id":"d1","doc_name":"guide.pdf","count":1}]}}}`,
			`data: {"code":0,"data":true}`,
		} {
			fmt.Fprintf(c.Writer, "%s\n\n", line)
			c.Writer.Flush()
		}
	})
	return r
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := httptest.NewServer(fakeBackend())
	t.Cleanup(srv.Close)

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	creds := repository.NewCredentialRepository(db)
	prefs := repository.NewPreferenceRepository(db)
	logger := zap.NewNop()

	client := NewClient(config.BackendConfig{
		BaseURL:        srv.URL + "/",
		ConnectTimeout: time.Second,
		IdleTimeout:    time.Second,
		RequestTimeout: time.Second,
		RetryBase:      time.Millisecond,
	}, creds, logger)
	controller := session.NewController(NewStreamer(client), session.Options{Debounce: 5 * time.Millisecond})

	return &fixture{
		svc:   NewChatService(client, controller, creds, prefs, logger),
		creds: creds,
		base:  srv.URL,
	}
}

func TestLoginPersistsCredential(t *testing.T) {
	f := newFixture(t)

	restored, err := f.svc.RestoreCredential()
	require.NoError(t, err)
	assert.False(t, restored)

	_, err = f.svc.Login(context.Background(), domain.LoginRequest{Email: "me@example.com", Password: "nope"})
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)

	res, err := f.svc.Login(context.Background(), domain.LoginRequest{Email: "me@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", res.Token)

	cred, err := f.creds.Get(f.base)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Token)
	assert.Equal(t, "u1", cred.UserID)

	require.NoError(t, f.svc.Logout())
	_, err = f.creds.Get(f.base)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestoreCredential(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.creds.Save(&repository.Credential{BackendURL: f.base, Token: "tok-1"}))

	restored, err := f.svc.RestoreCredential()
	require.NoError(t, err)
	assert.True(t, restored)

	assistants, err := f.svc.Assistants(context.Background())
	require.NoError(t, err)
	require.Len(t, assistants, 1)
	assert.Equal(t, "Support", assistants[0].Name)
}

func TestRejectedCredentialIsForgotten(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.creds.Save(&repository.Credential{BackendURL: f.base, Token: "stale"}))
	_, err := f.svc.RestoreCredential()
	require.NoError(t, err)

	_, err = f.svc.Assistants(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.creds.Get(f.base)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionSelection(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), domain.LoginRequest{Email: "me@example.com", Password: "pw"})
	require.NoError(t, err)

	sess, err := f.svc.CreateSession(context.Background(), "a1", "Printer issues")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, "a1", f.svc.CurrentAssistant())
	assert.Equal(t, "s1", f.svc.CurrentSession())

	require.NoError(t, f.svc.DeleteSession(context.Background(), "s1"))
	assert.Empty(t, f.svc.CurrentSession())
	assert.Equal(t, "a1", f.svc.CurrentAssistant())
}

func TestHistoryAdvancesClock(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), domain.LoginRequest{Email: "me@example.com", Password: "pw"})
	require.NoError(t, err)

	msgs, err := f.svc.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	turn, err := f.svc.Ask(context.Background(), "s1", "again", session.Callbacks{})
	require.NoError(t, err)
	assert.Greater(t, turn.User.Timestamp, msgs[0].Timestamp)
	<-turn.Done
}

func TestAskStreamsAndRenders(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Ask(context.Background(), "s1", "how do I restart?", session.Callbacks{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.Login(context.Background(), domain.LoginRequest{Email: "me@example.com", Password: "pw"})
	require.NoError(t, err)

	final := make(chan domain.ChatMessage, 1)
	turn, err := f.svc.Ask(context.Background(), "s1", "how do I restart?", session.Callbacks{
		OnComplete: func(msg domain.ChatMessage) { final <- msg },
	})
	require.NoError(t, err)
	<-turn.Done

	msg := <-final
	assert.Equal(t, "Restart it ##1$$.", msg.Content)
	assert.Equal(t, session.Idle, f.svc.State("s1"))
	assert.Equal(t, "s1", f.svc.CurrentSession())

	assert.Equal(t,
		"Restart it [1].\n\n[1] guide.pdf: Hold the power button.\n\nSources:\n  - guide.pdf (1)",
		Render(msg))
}
