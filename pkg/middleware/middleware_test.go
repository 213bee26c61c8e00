package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dropproof/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func TestUnaryLoggingTranslatesDomainErrors(t *testing.T) {
	interceptor := UnaryLogging()
	info := &grpc.UnaryServerInfo{FullMethod: "/dropproof.v1/Get"}

	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, errutil.NotFound("cashout not found", nil)
	})
	require.Equal(t, codes.NotFound, status.Code(err))

	resp, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestErrorRendersBaseError(t *testing.T) {
	r := gin.New()
	r.Use(Error())
	r.GET("/known", func(c *gin.Context) {
		_ = c.Error(errutil.InvalidStateTransition("PENDING", "SUCCEEDED"))
	})
	r.GET("/unknown", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/known", nil))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), `"invalid_state_transition"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuthenticateSetsIdentity(t *testing.T) {
	secret := []byte("s3cret")
	r := gin.New()
	r.Use(Error(), Authenticate(secret, "dropproof"))
	r.GET("/me", func(c *gin.Context) {
		id, ok := IdentityFrom(c.Request.Context())
		require.True(t, ok)
		c.String(http.StatusOK, id.UserID+":"+id.Role)
	})

	tok, err := IssueToken(secret, "dropproof", "u1", "", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "u1:user", w.Body.String())

	wrongIssuer, err := IssueToken(secret, "someone-else", "u1", "admin", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+wrongIssuer)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
