package management

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhirsama/Goster-DevAuth/src/datastore"
	"github.com/nhirsama/Goster-DevAuth/src/device_manager"
	"github.com/nhirsama/Goster-DevAuth/src/identity_manager"
	"github.com/nhirsama/Goster-DevAuth/src/inter"
	"github.com/nhirsama/Goster-DevAuth/src/token_manager"
)

type stubAdmission struct{}

func (stubAdmission) Admit(ctx context.Context, tenant, idData, pubKey string) (bool, error) {
	return true, nil
}

type stubDispatcher struct{}

func (stubDispatcher) Run(ctx context.Context) {}
func (stubDispatcher) Nudge()                  {}

type testEnv struct {
	srv *httptest.Server
	dm  inter.DeviceManager
	tm  inter.TokenManager
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	ds, err := datastore.NewDataStoreSql(filepath.Join(t.TempDir(), "test_devauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	tm := token_manager.NewTokenManager("mgmt-test-secret")
	dm := device_manager.NewDeviceManager(ds, identity_manager.NewIdentityManager(), stubAdmission{}, stubDispatcher{})

	srv := httptest.NewServer(NewManagementAPI(dm, tm, 20, 500).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, dm: dm, tm: tm}
}

// do issues a request with an optional tenant token and JSON body.
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { rsp.Body.Close() })
	return rsp
}

// seed creates a pending device through the manager and returns it.
func (e *testEnv) seed(t *testing.T, tenant, identity string) inter.Device {
	t.Helper()
	_, err := e.dm.Submit(context.Background(), tenant, identity, "key-seed")
	require.NoError(t, err)
	dev, err := e.dm.FindDeviceByIdentity(context.Background(), tenant, identity)
	require.NoError(t, err)
	return dev
}

func decodeJSON(t *testing.T, rsp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(v))
}

func TestManagementAPI_ListDevices(t *testing.T) {
	env := setupEnv(t)

	t.Run("EmptyList", func(t *testing.T) {
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices", "", nil)
		require.Equal(t, http.StatusOK, rsp.StatusCode)

		var devices []inter.Device
		decodeJSON(t, rsp, &devices)
		assert.Empty(t, devices)
	})

	for i := 0; i < 15; i++ {
		env.seed(t, inter.DefaultTenant, fmt.Sprintf(`{"sn":"%02d"}`, i))
	}

	t.Run("Pagination", func(t *testing.T) {
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices?page=2&per_page=10", "", nil)
		require.Equal(t, http.StatusOK, rsp.StatusCode)

		var devices []inter.Device
		decodeJSON(t, rsp, &devices)
		assert.Len(t, devices, 5)
	})

	t.Run("BadPageParam", func(t *testing.T) {
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices?page=zero", "", nil)
		assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	})

	t.Run("BadStatusFilter", func(t *testing.T) {
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices?status=bogus", "", nil)
		assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	})

	t.Run("StatusFilter", func(t *testing.T) {
		dev := env.seed(t, inter.DefaultTenant, `{"sn":"00"}`)
		require.NoError(t, env.dm.SetAuthSetStatus(context.Background(),
			inter.DefaultTenant, dev.ID, dev.AuthSets[0].ID, inter.StatusAccepted))

		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices?status=accepted", "", nil)
		require.Equal(t, http.StatusOK, rsp.StatusCode)

		var devices []inter.Device
		decodeJSON(t, rsp, &devices)
		require.Len(t, devices, 1)
		assert.Equal(t, dev.ID, devices[0].ID)
		assert.Equal(t, inter.StatusAccepted, devices[0].Status)
	})
}

func TestManagementAPI_CountDevices(t *testing.T) {
	env := setupEnv(t)
	for i := 0; i < 5; i++ {
		env.seed(t, inter.DefaultTenant, fmt.Sprintf(`{"sn":"%d"}`, i))
	}
	dev := env.seed(t, inter.DefaultTenant, `{"sn":"0"}`)
	require.NoError(t, env.dm.SetAuthSetStatus(context.Background(),
		inter.DefaultTenant, dev.ID, dev.AuthSets[0].ID, inter.StatusAccepted))

	verify := func(query string, expected int) {
		t.Helper()
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices/count"+query, "", nil)
		require.Equal(t, http.StatusOK, rsp.StatusCode)
		var out map[string]int
		decodeJSON(t, rsp, &out)
		assert.Equal(t, expected, out["count"], "query %q", query)
	}

	verify("", 5)
	verify("?status=pending", 4)
	verify("?status=accepted", 1)
	verify("?status=rejected", 0)
}

func TestManagementAPI_GetDevice(t *testing.T) {
	env := setupEnv(t)
	dev := env.seed(t, inter.DefaultTenant, `{"mac":"aa"}`)

	t.Run("Found", func(t *testing.T) {
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices/"+dev.ID, "", nil)
		require.Equal(t, http.StatusOK, rsp.StatusCode)

		var out inter.Device
		decodeJSON(t, rsp, &out)
		assert.Equal(t, dev.ID, out.ID)
		assert.Len(t, out.AuthSets, 1)
		assert.Equal(t, inter.StatusPending, out.Status)
	})

	t.Run("NotFound", func(t *testing.T) {
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices/unknown", "", nil)
		assert.Equal(t, http.StatusNotFound, rsp.StatusCode)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		token, err := env.tm.IssueTenantToken("foobar")
		require.NoError(t, err)
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices/"+dev.ID, token, nil)
		assert.Equal(t, http.StatusNotFound, rsp.StatusCode)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/devices/"+dev.ID, "broken.token", nil)
		assert.Equal(t, http.StatusUnauthorized, rsp.StatusCode)
	})
}

func TestManagementAPI_SetStatus(t *testing.T) {
	env := setupEnv(t)
	dev := env.seed(t, inter.DefaultTenant, `{"mac":"aa"}`)
	statusURL := fmt.Sprintf("/api/management/v1/devauth/devices/%s/auth/%s/status", dev.ID, dev.AuthSets[0].ID)

	t.Run("Accept", func(t *testing.T) {
		rsp := env.do(t, http.MethodPut, statusURL, "", StatusRequest{Status: inter.StatusAccepted})
		require.Equal(t, http.StatusNoContent, rsp.StatusCode)

		out, err := env.dm.GetDevice(context.Background(), inter.DefaultTenant, dev.ID)
		require.NoError(t, err)
		assert.Equal(t, inter.StatusAccepted, out.Status)
	})

	t.Run("InvalidTarget", func(t *testing.T) {
		rsp := env.do(t, http.MethodPut, statusURL, "", StatusRequest{Status: "noauth"})
		assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	})

	t.Run("UnknownAuthSet", func(t *testing.T) {
		url := fmt.Sprintf("/api/management/v1/devauth/devices/%s/auth/unknown/status", dev.ID)
		rsp := env.do(t, http.MethodPut, url, "", StatusRequest{Status: inter.StatusAccepted})
		assert.Equal(t, http.StatusNotFound, rsp.StatusCode)
	})

	t.Run("QuotaExceeded", func(t *testing.T) {
		require.NoError(t, env.dm.SetLimit(context.Background(), inter.DefaultTenant, 1))
		other := env.seed(t, inter.DefaultTenant, `{"mac":"bb"}`)

		url := fmt.Sprintf("/api/management/v1/devauth/devices/%s/auth/%s/status", other.ID, other.AuthSets[0].ID)
		rsp := env.do(t, http.MethodPut, url, "", StatusRequest{Status: inter.StatusAccepted})
		assert.Equal(t, http.StatusUnprocessableEntity, rsp.StatusCode)
	})
}

func TestManagementAPI_Preauthorize(t *testing.T) {
	env := setupEnv(t)
	body := PreauthRequest{
		AuthSetID:    "aid-1",
		DeviceID:     "dev-pre",
		IdentityData: `{"mac":"pre"}`,
		PubKey:       "key-pre",
	}

	t.Run("Created", func(t *testing.T) {
		rsp := env.do(t, http.MethodPost, "/api/management/v1/devauth/devices", "", body)
		require.Equal(t, http.StatusCreated, rsp.StatusCode)

		dev, err := env.dm.GetDevice(context.Background(), inter.DefaultTenant, "dev-pre")
		require.NoError(t, err)
		require.Len(t, dev.AuthSets, 1)
		assert.Equal(t, inter.StatusPreauthorized, dev.AuthSets[0].Status)
	})

	t.Run("Conflict", func(t *testing.T) {
		rsp := env.do(t, http.MethodPost, "/api/management/v1/devauth/devices", "", body)
		assert.Equal(t, http.StatusConflict, rsp.StatusCode)
	})

	t.Run("MissingFields", func(t *testing.T) {
		rsp := env.do(t, http.MethodPost, "/api/management/v1/devauth/devices", "",
			PreauthRequest{DeviceID: "dev-x"})
		assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	})
}

func TestManagementAPI_DeleteAuthSet(t *testing.T) {
	env := setupEnv(t)
	dev := env.seed(t, inter.DefaultTenant, `{"mac":"aa"}`)

	t.Run("NotFound", func(t *testing.T) {
		url := fmt.Sprintf("/api/management/v1/devauth/devices/%s/auth/unknown", dev.ID)
		rsp := env.do(t, http.MethodDelete, url, "", nil)
		assert.Equal(t, http.StatusNotFound, rsp.StatusCode)
	})

	t.Run("LastSetRemovesDevice", func(t *testing.T) {
		url := fmt.Sprintf("/api/management/v1/devauth/devices/%s/auth/%s", dev.ID, dev.AuthSets[0].ID)
		rsp := env.do(t, http.MethodDelete, url, "", nil)
		require.Equal(t, http.StatusNoContent, rsp.StatusCode)

		_, err := env.dm.GetDevice(context.Background(), inter.DefaultTenant, dev.ID)
		assert.ErrorIs(t, err, inter.ErrNotFound)
	})
}

func TestManagementAPI_Decommission(t *testing.T) {
	env := setupEnv(t)
	dev := env.seed(t, inter.DefaultTenant, `{"mac":"aa"}`)

	rsp := env.do(t, http.MethodDelete, "/api/management/v1/devauth/devices/"+dev.ID, "", nil)
	require.Equal(t, http.StatusNoContent, rsp.StatusCode)

	_, err := env.dm.GetDevice(context.Background(), inter.DefaultTenant, dev.ID)
	assert.ErrorIs(t, err, inter.ErrNotFound)

	rsp = env.do(t, http.MethodDelete, "/api/management/v1/devauth/devices/"+dev.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rsp.StatusCode)
}

func TestManagementAPI_Limits(t *testing.T) {
	env := setupEnv(t)

	t.Run("DefaultUnlimited", func(t *testing.T) {
		rsp := env.do(t, http.MethodGet, "/api/management/v1/devauth/limits/max_devices", "", nil)
		require.Equal(t, http.StatusOK, rsp.StatusCode)

		var limit inter.Limit
		decodeJSON(t, rsp, &limit)
		assert.Zero(t, limit.Limit)
	})

	t.Run("InternalPutVisibleToTenant", func(t *testing.T) {
		rsp := env.do(t, http.MethodPut, "/api/internal/v1/devauth/tenants/foobar/limits/max_devices", "",
			LimitRequest{Limit: 42})
		require.Equal(t, http.StatusNoContent, rsp.StatusCode)

		token, err := env.tm.IssueTenantToken("foobar")
		require.NoError(t, err)
		rsp = env.do(t, http.MethodGet, "/api/management/v1/devauth/limits/max_devices", token, nil)
		require.Equal(t, http.StatusOK, rsp.StatusCode)

		var limit inter.Limit
		decodeJSON(t, rsp, &limit)
		assert.Equal(t, uint64(42), limit.Limit)
	})
}
