package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServiceLifecycle(t *testing.T) {
	_, h := newTestAPI(t)
	svc := NewService(ServerConfig{Addr: "127.0.0.1:0", ReadTimeout: time.Second, WriteTimeout: time.Second}, h, quietLogger())

	require.NoError(t, svc.Start(context.Background()))
	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))

	_, err = http.Get("http://" + svc.Addr() + "/healthz")
	require.Error(t, err)
}
