package edc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reservation-sync/pkg/common/syncerr"
)

// fakeRedcap serves several projects from one URL, selected by API token.
type fakeRedcap struct {
	mu       sync.Mutex
	projects map[string]map[string]map[string]interface{}
	imports  []string
}

func (f *fakeRedcap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	project, ok := f.projects[r.PostForm.Get("token")]
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch r.PostForm.Get("action") {
	case "export":
		var out []map[string]interface{}
		if id := r.PostForm.Get("records[0]"); id != "" {
			if rec, ok := project[id]; ok {
				out = append(out, rec)
			}
		} else {
			for id := range project {
				out = append(out, map[string]interface{}{"record_id": id})
			}
		}
		if out == nil {
			out = []map[string]interface{}{}
		}
		_ = json.NewEncoder(w).Encode(out)
	case "import":
		var records []map[string]interface{}
		if err := json.Unmarshal([]byte(r.PostForm.Get("data")), &records); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid data"}`))
			return
		}
		for _, rec := range records {
			id := rec["record_id"].(string)
			project[id] = rec
			f.imports = append(f.imports, id)
		}
		_, _ = w.Write([]byte(`{"count": 1}`))
	case "delete":
		delete(project, r.PostForm.Get("records[0]"))
		_, _ = w.Write([]byte(`1`))
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newFake() *fakeRedcap {
	return &fakeRedcap{projects: map[string]map[string]map[string]interface{}{
		"norpreg-token": {
			"pk-1": {"record_id": "pk-1"},
		},
		"krest-token": {
			"pk-2": {"record_id": "pk-2", "diagnosis": "C71"},
		},
	}}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(RegistriesConfig{
		Target: "NORPREG",
		Registries: []RegistryEndpoint{
			{Name: "NORPREG", URL: url, Token: "norpreg-token"},
			{Name: "KREST-OUS", URL: url, Token: "krest-token"},
		},
	}, "", http.DefaultClient)
	require.NoError(t, err)
	return client
}

func TestListAdmitRemove(t *testing.T) {
	fake := newFake()
	server := httptest.NewServer(fake)
	defer server.Close()
	client := newTestClient(t, server.URL)
	ctx := context.Background()

	keys, err := client.ListKnownPatientKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"pk-1": {}}, keys)

	require.NoError(t, client.Admit(ctx, "pk-2", "KREST-OUS"))
	assert.Equal(t, []string{"pk-2"}, fake.imports)
	assert.Equal(t, "C71", fake.projects["norpreg-token"]["pk-2"]["diagnosis"])

	require.NoError(t, client.Remove(ctx, "pk-1"))
	keys, err = client.ListKnownPatientKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"pk-2": {}}, keys)
}

func TestAdmitFailures(t *testing.T) {
	server := httptest.NewServer(newFake())
	defer server.Close()
	client := newTestClient(t, server.URL)

	err := client.Admit(context.Background(), "pk-2", "KREST-HUS")
	assert.True(t, syncerr.Is(err, syncerr.CategoryPropagation))

	err = client.Admit(context.Background(), "pk-404", "KREST-OUS")
	assert.True(t, syncerr.Is(err, syncerr.CategoryPropagation))
}

func TestServerErrorsAreTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).ListKnownPatientKeys(context.Background())
	assert.True(t, syncerr.IsTransient(err))
}

func TestLoadRegistries(t *testing.T) {
	t.Setenv("REDCAP_KREST_OUS_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "registries.yaml")
	content := `target: NORPREG
registries:
  - name: NORPREG
    token: norpreg-token
  - name: KREST-OUS
    url: https://krest.example/api/
    token_env: REDCAP_KREST_OUS_TOKEN
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadRegistries(path, "https://redcap.example/api/")
	require.NoError(t, err)
	assert.Equal(t, "NORPREG", cfg.Target)

	norpreg, ok := cfg.lookup("NORPREG")
	require.True(t, ok)
	assert.Equal(t, "https://redcap.example/api/", norpreg.URL)

	krest, ok := cfg.lookup("KREST-OUS")
	require.True(t, ok)
	assert.Equal(t, "from-env", krest.Token)

	_, err = NewClient(cfg, "MISSING", http.DefaultClient)
	assert.Error(t, err)
}

func TestLoadRegistriesRequiresToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registries.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registries:\n  - name: NORPREG\n    url: https://x\n"), 0o600))

	_, err := LoadRegistries(path, "")
	assert.Error(t, err)
}
