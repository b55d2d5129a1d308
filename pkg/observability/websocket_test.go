package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/gpusched/pkg/scheduler"
	"github.com/nodepool/gpusched/pkg/task"
)

func TestHubPublishDeliversOnlyToMatchingIdentity(t *testing.T) {
	hub := NewHub(nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := strings.Replace(strings.TrimPrefix(r.URL.Path, "/ws/"), "_", "/", 1)
		hub.ServeWS(identity, w, r)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/single_0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("single/0") == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(scheduler.Snapshot{Mode: task.ModeSingle, ConfigIndex: 0, TotalTasks: 3})
	hub.Publish(scheduler.Snapshot{Mode: task.ModeSingle, ConfigIndex: 1, TotalTasks: 99})

	var got scheduler.Snapshot
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, 3, got.TotalTasks)
}
