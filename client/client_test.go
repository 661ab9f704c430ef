package client_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphi011/rpbridge/client"
	"github.com/raphi011/rpbridge/internal/model"
	"github.com/raphi011/rpbridge/internal/portaltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPortal(t *testing.T) (*portaltest.Server, client.Client) {
	t.Helper()

	portal := portaltest.New("project", "secret", slog.Default())
	srv := httptest.NewServer(portal)
	t.Cleanup(srv.Close)

	return portal, client.New(srv.URL+"/", "project", "secret", srv.Client())
}

func TestProbeSucceeds(t *testing.T) {
	_, c := newPortal(t)

	assert.NoError(t, c.Probe(context.Background()))
}

func TestProbeWithWrongProjectFails(t *testing.T) {
	portal := portaltest.New("project", "secret", slog.Default())
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c := client.New(srv.URL, "unknown", "secret", srv.Client())

	err := c.Probe(context.Background())

	var reqError client.RequestError
	require.True(t, errors.As(err, &reqError), "expected RequestError but got %T: %v", err, err)
	assert.Equal(t, http.StatusNotFound, reqError.ResponseCode)
}

func TestUnauthorizedRequestFails(t *testing.T) {
	portal := portaltest.New("project", "secret", slog.Default())
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c := client.New(srv.URL, "project", "wrong", srv.Client())

	_, err := c.StartLaunch(context.Background(), client.StartLaunchRQ{Name: "launch"})

	var reqError client.RequestError
	require.True(t, errors.As(err, &reqError))
	assert.Equal(t, http.StatusUnauthorized, reqError.ResponseCode)
	assert.Equal(t, "full authentication is required", reqError.Message)
}

func TestMaintenanceResponseIsDetected(t *testing.T) {
	portal, c := newPortal(t)
	portal.SetMaintenance(true)

	_, err := c.StartLaunch(context.Background(), client.StartLaunchRQ{Name: "launch"})

	var reqError client.RequestError
	require.True(t, errors.As(err, &reqError))
	assert.True(t, reqError.Maintenance())
	assert.False(t, reqError.Temporary())
	assert.Equal(t, "maintenance", reqError.Kind())
}

func TestTransportErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := client.New(url, "project", "secret", http.DefaultClient)

	err := c.Probe(context.Background())

	var transportError client.TransportError
	require.True(t, errors.As(err, &transportError), "expected TransportError but got %T", err)
	assert.Equal(t, "transport", transportError.Kind())
}

func TestLaunchLifecycle(t *testing.T) {
	portal, c := newPortal(t)
	ctx := context.Background()
	now := time.Now()

	launchID, err := c.StartLaunch(ctx, client.StartLaunchRQ{
		Name:       "launch",
		StartTime:  model.NewTimestamp(now),
		Attributes: []model.Attribute{{Key: "env", Value: "ci"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, launchID)

	suiteID, err := c.StartItem(ctx, "", client.StartItemRQ{LaunchID: launchID, Name: "suite", Type: model.KindSuite})
	require.NoError(t, err)

	testID, err := c.StartItem(ctx, suiteID, client.StartItemRQ{LaunchID: launchID, Name: "TestA", Type: model.KindStep})
	require.NoError(t, err)

	err = c.SaveLogs(ctx, launchID, []model.LogRecord{
		{ItemID: testID, Level: "INFO", Message: "hello", Time: now},
		{ItemID: testID, Level: "ERROR", Message: "screenshot", Time: now, Attachment: &model.Attachment{
			Name: "screen.png", Data: []byte{1, 2, 3}, MimeType: "image/png",
		}},
		{ItemID: testID, Level: "ERROR", Message: "another", Time: now, Attachment: &model.Attachment{
			Name: "screen.png", Data: []byte{4}, MimeType: "image/png",
		}},
	})
	require.NoError(t, err)

	require.NoError(t, c.FinishItem(ctx, testID, client.FinishItemRQ{LaunchID: launchID, Status: model.StatusPassed}))
	require.NoError(t, c.FinishItem(ctx, suiteID, client.FinishItemRQ{LaunchID: launchID, Status: model.StatusPassed}))
	require.NoError(t, c.FinishLaunch(ctx, launchID, client.FinishLaunchRQ{EndTime: model.NewTimestamp(now)}))

	items := portal.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "", items[0].ParentID)
	assert.Equal(t, suiteID, items[1].ParentID)
	assert.True(t, items[1].Finished)

	logs := portal.Logs()
	require.Len(t, logs, 3)
	assert.Nil(t, logs[0].Attachment)
	require.NotNil(t, logs[1].Attachment)
	assert.Equal(t, []byte{1, 2, 3}, logs[1].Attachment.Data)
	assert.Equal(t, "image/png", logs[1].Attachment.MimeType)
	require.NotNil(t, logs[2].Attachment)
	assert.Equal(t, []byte{4}, logs[2].Attachment.Data)

	launches := portal.Launches()
	require.Len(t, launches, 1)
	assert.True(t, launches[0].Finished)
	assert.Equal(t, []model.Attribute{{Key: "env", Value: "ci"}}, launches[0].Start.Attributes)
}

func TestStartItemWithUnknownParentFails(t *testing.T) {
	_, c := newPortal(t)
	ctx := context.Background()

	launchID, err := c.StartLaunch(ctx, client.StartLaunchRQ{Name: "launch"})
	require.NoError(t, err)

	_, err = c.StartItem(ctx, "does-not-exist", client.StartItemRQ{LaunchID: launchID, Name: "child", Type: model.KindStep})

	var reqError client.RequestError
	require.True(t, errors.As(err, &reqError))
	assert.Equal(t, http.StatusBadRequest, reqError.ResponseCode)
}
