package gsa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mccnet/gsadmin/internal/gsaconfig"
)

const classicBanner = "Google Search Appliance &gt; Home"

// console is a minimal fake admin console: it answers the login
// handshake like a pre-7.2 appliance and delegates everything else to
// the test's handler.
type console struct {
	mu     sync.Mutex
	logins int
	handle func(w http.ResponseWriter, r *http.Request) bool
}

func (cs *console) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost &&
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") &&
		r.PostFormValue("actionType") == "authenticateUser" {
		cs.mu.Lock()
		cs.logins++
		cs.mu.Unlock()
		if r.PostFormValue("password") == "secret" {
			fmt.Fprint(w, classicBanner)
		} else {
			fmt.Fprint(w, "Forgot Your Password?")
		}
		return
	}
	if cs.handle != nil && cs.handle(w, r) {
		return
	}
	fmt.Fprint(w, "welcome page")
}

func newTestClient(t *testing.T, cs *console) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)

	c, err := newClient(srv.URL+"/EnterpriseController", "admin", "secret", zap.NewNop())
	require.NoError(t, err)
	c.pollInterval = time.Millisecond
	c.supportPollInterval = time.Millisecond
	return c, srv
}

func TestLogin(t *testing.T) {
	cs := &console{}
	c, _ := newTestClient(t, cs)

	require.NoError(t, c.Login(context.Background()))
	assert.False(t, c.is72)
	assert.Equal(t, 1, cs.logins)

	// already logged in: no second handshake
	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, 1, cs.logins)
}

func TestLogin72(t *testing.T) {
	// a 7.2 console answers the handshake with an anti-XSSI-prefixed blob
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `)]}',`+"\n"+`{"xsrf": [null,"security_token","abc123"]}`)
			return
		}
		fmt.Fprint(w, "welcome page")
	}))
	t.Cleanup(srv.Close)
	c, err := newClient(srv.URL+"/EnterpriseController", "admin", "secret", zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Login(context.Background()))
	assert.True(t, c.is72)
}

func TestLoginFailure(t *testing.T) {
	cs := &console{}
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)

	c, err := newClient(srv.URL+"/EnterpriseController", "admin", "wrong", zap.NewNop())
	require.NoError(t, err)
	require.Error(t, c.Login(context.Background()))
}

func TestSecurityToken(t *testing.T) {
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("actionType") == "cache" {
			fmt.Fprint(w, `<form><input type="hidden" NAME="security_token" value="tok123"></form>`)
			return true
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	token, err := c.securityToken(context.Background(), "cache")
	require.NoError(t, err)
	assert.Equal(t, "tok123", token)
}

func TestSecurityTokenAbsent(t *testing.T) {
	cs := &console{}
	c, _ := newTestClient(t, cs)

	token, err := c.securityToken(context.Background(), "cache")
	require.NoError(t, err)
	assert.Equal(t, "", token)
}

func TestExportConfig(t *testing.T) {
	exported := "<eef><config><uar_data></uar_data></config><signature></signature></eef>"
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		q := r.URL.Query()
		if q.Get("actionType") == "importExport" && q.Get("export") == " Export Configuration " {
			assert.Equal(t, "hellohello", q.Get("password1"))
			assert.Equal(t, "hellohello", q.Get("password2"))
			fmt.Fprint(w, exported)
			return true
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	doc, err := c.ExportConfig(context.Background(), "hellohello")
	require.NoError(t, err)
	assert.Equal(t, exported, string(doc.Bytes()))
}

func TestExportConfigShortPassphrase(t *testing.T) {
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("actionType") == "importExport" {
			fmt.Fprint(w, "Passphrase should be at least 8 characters long")
			return true
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	_, err := c.ExportConfig(context.Background(), "short")
	require.ErrorContains(t, err, "at least 8 characters")
}

func TestImportConfig(t *testing.T) {
	xml := "<eef><config><uar_data></uar_data></config><signature></signature></eef>"
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("actionType") == "cache" {
			fmt.Fprint(w, `<input name="security_token" value="tok123">`)
			return true
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			assert.Equal(t, "tok123", r.URL.Query().Get("security_token"))
			assert.Equal(t, "hellohello", r.URL.Query().Get("passwordIn"))
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "hellohello", r.FormValue("passwordIn"))

			file, header, err := r.FormFile("importFileName")
			require.NoError(t, err)
			defer file.Close()
			assert.Equal(t, "config.xml", header.Filename)
			got, err := io.ReadAll(file)
			require.NoError(t, err)
			assert.Equal(t, xml, string(got))

			fmt.Fprint(w, "Configuration imported successfully")
			return true
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	doc, err := gsaconfig.Load([]byte(xml))
	require.NoError(t, err)
	require.NoError(t, c.ImportConfig(context.Background(), doc, "hellohello"))
}

func TestImportConfigErrors(t *testing.T) {
	tests := []struct {
		page string
		want string
	}{
		{"Invalid file", "invalid configuration file"},
		{"Wrong passphrase or the file is corrupt", "wrong passphrase"},
		{"something unexpected", "import failed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			cs := &console{}
			cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
				if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
					fmt.Fprint(w, tt.page)
					return true
				}
				return false
			}
			c, _ := newTestClient(t, cs)

			doc, err := gsaconfig.Load([]byte("<eef><config/></eef>"))
			require.NoError(t, err)
			err = c.ImportConfig(context.Background(), doc, "hellohello")
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestSyncDatabases(t *testing.T) {
	var mu sync.Mutex
	var synced []string
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("actionType") == "syncDatabase" {
			mu.Lock()
			synced = append(synced, r.URL.Query().Get("entryName"))
			mu.Unlock()
			return true
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	require.NoError(t, c.SyncDatabases(context.Background(), []string{"hrdb", "crm"}))
	assert.Equal(t, []string{"hrdb", "crm"}, synced)
}

func TestExportAllURLs(t *testing.T) {
	var polls int
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodPost {
			return false
		}
		r.ParseForm()
		if r.PostFormValue("actionType") != "exportAllUrls" {
			return false
		}
		switch {
		case r.PostFormValue("action") == "generate":
			fmt.Fprint(w, `<input name="security_token" value="tok-gen">`)
		case r.PostFormValue("action") == "download":
			assert.Equal(t, "tok-poll", r.PostFormValue("security_token"))
			fmt.Fprint(w, "http://intranet.example.com/\n")
		default:
			polls++
			if polls < 3 {
				fmt.Fprint(w, generatingMarker+`<input name="security_token" value="tok-poll">`)
			} else {
				fmt.Fprint(w, `done <input name="security_token" value="tok-poll">`)
			}
		}
		return true
	}
	c, _ := newTestClient(t, cs)

	var out bytes.Buffer
	require.NoError(t, c.ExportAllURLs(context.Background(), &out))
	assert.Equal(t, "http://intranet.example.com/\n", out.String())
	assert.Equal(t, 3, polls)
}

func TestRunSupportScript(t *testing.T) {
	var statusChecks int
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		switch {
		case strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"):
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "run", r.FormValue("action"))
			fmt.Fprint(w, "submitted")
			return true
		case r.Method == http.MethodGet && r.URL.Query().Get("actionType") == "supportScripts":
			statusChecks++
			if statusChecks < 2 {
				fmt.Fprint(w, "A support script is running")
			} else {
				fmt.Fprint(w, "run complete")
			}
			return true
		case r.Method == http.MethodPost:
			r.ParseForm()
			if r.PostFormValue("action") == "download" {
				fmt.Fprint(w, "script output")
				return true
			}
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	var out bytes.Buffer
	err := c.RunSupportScript(context.Background(), []byte("encrypted"), &out, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "script output", out.String())
}

func TestRunSupportScriptTimeout(t *testing.T) {
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		switch {
		case strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"):
			fmt.Fprint(w, "submitted")
			return true
		case r.Method == http.MethodGet && r.URL.Query().Get("actionType") == "supportScripts":
			fmt.Fprint(w, "A support script is running")
			return true
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	err := c.RunSupportScript(context.Background(), []byte("encrypted"), io.Discard, 10*time.Millisecond)
	require.ErrorContains(t, err, "timed out")
}

func TestMirrorStatus(t *testing.T) {
	page := `
<table>
<tr class="row"><td><b>replica-1</b></td></tr>
</table>
green button green button green button red button green button
`
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("actionType") == "gsanDiagnostics" {
			fmt.Fprint(w, page)
			return true
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	var out bytes.Buffer
	require.NoError(t, c.MirrorStatus(context.Background(), &out))
	report := out.String()
	assert.Contains(t, report, "Node: replica-1")
	assert.Contains(t, report, "Ping Status: OK")
	assert.Contains(t, report, "PPP Connection Status: ERROR - Test FAILED")
	assert.Contains(t, report, "1 ERROR(s) detected")
}

func TestMirrorStatusNoReplicas(t *testing.T) {
	cs := &console{}
	cs.handle = func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("actionType") == "gsanDiagnostics" {
			fmt.Fprint(w, "<html>nothing here</html>")
			return true
		}
		return false
	}
	c, _ := newTestClient(t, cs)

	err := c.MirrorStatus(context.Background(), io.Discard)
	require.ErrorContains(t, err, "no replicas")
}
